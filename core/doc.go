// Package core provides the foundational message types shared by every other
// package:
//
//   - Envelope (the immutable routed message) and its Direction
//   - Route, the stateless delivery decision for one agent's topology
//   - Step payloads (StepRequest, StepCompleted, RunRequest, WorkflowCompleted)
//   - Content parts exchanged with model providers
//   - ModelLimiter, a per-run model call budget
//
// The package holds no runtime state; agents, the actor runtime and workflow
// modules build on these types.
package core
