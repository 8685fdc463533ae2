// Package workflow maps declarative workflow definitions onto agents.
//
// A Definition names roles (LLM-backed workers) and an ordered list of typed
// steps. For every run the Orchestrator spawns one Engine agent below the
// long-lived root agent and one agent.RoleAgent per role below the engine:
//
//	root
//	└── run-<uuid>            (Engine, step modules on its pipeline)
//	    ├── run-<uuid>/solver (RoleAgent)
//	    └── run-<uuid>/critic (RoleAgent)
//
// The engine executes steps in declaration order. llm_call requests travel
// down to the role agents; every other step type is handled by a module on
// the engine's own pipeline. When the last step completes (or a step fails)
// the engine publishes a WorkflowCompleted up to the root, which wakes the
// waiting Run call. Run agents are destroyed afterwards.
//
// Definitions are YAML (or JSON):
//
//	name: solve
//	timeout: 2m
//	roles:
//	  - id: solver
//	    name: Solver
//	    system_prompt: You solve small arithmetic tasks.
//	steps:
//	  - id: answer
//	    type: maker_recursive
//	    target_role: solver
//	    parameters:
//	      max_depth: "2"
package workflow
