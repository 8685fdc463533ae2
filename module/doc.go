// Package module implements the step types a workflow engine agent executes.
//
// Every step module is an agent.Module registered on the engine's pipeline.
// A module receives the StepRequest for its type, emits sub-steps through
// Env.Dispatch, joins their StepCompleted replies through a correlation map
// keyed by step id and finally publishes one StepCompleted for the step it
// owns. Sub-step ids derive from the parent id with a stable suffix (_sub_N,
// _vote, _item_N, _iter_N, _child_N, _atomic, _decompose, _solve, _compose).
//
// Correlation entries are removed when the owning step finalizes; Pending
// reports what is left and is zero after every finished run.
package module
