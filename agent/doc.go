// Package agent contains the building blocks of a mesh agent:
//
//  1. BaseAgent: identity, parent/children edges, lifecycle and a FIFO mailbox
//  2. Pipeline: typed handlers and modules ordered by priority
//  3. State: a single-writer cell that may only change inside a handler
//  4. RoleAgent: the llm_call worker backed by a model.Model
//
// Execution model:
//   - The runtime delivers envelopes into an agent's mailbox; at most one
//     goroutine drains it, so handlers of one agent never run concurrently
//   - Handlers publish through the Host, which routes Self, Up, Down or Both
//     relative to the agent's topology
//   - State.Set and State.Update panic with ErrOutsideHandlerScope when called
//     from outside a running handler of the owning agent
//
// Persistence, model providers and connectors live in their own packages.
package agent
