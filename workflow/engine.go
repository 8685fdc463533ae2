package workflow

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/internal/util"
	"github.com/hupe1980/makermesh/logging"
	"github.com/hupe1980/makermesh/module"
)

// KindEngine is the runtime type name of Engine.
const KindEngine = "engine"

// DefaultMaxSteps bounds how many steps one run may execute, counting
// repeated executions caused by conditional jumps.
const DefaultMaxSteps = 1000

// Metadata keys set on WorkflowCompleted.
const (
	MetaStepsExecuted = "workflow.steps_executed"
	MetaLastStep      = "workflow.last_step"
)

// runState is the engine's single-writer state for one run.
type runState struct {
	runID    string
	input    string
	previous string
	current  string
	index    int
	executed int
	finished bool
	outputs  map[string]string
	vars     map[string]string
	last     map[string]string // metadata of the latest completion
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	MaxSteps int
	Logger   logging.Logger
}

// Engine is the per-run workflow agent. It owns the step modules of the run
// and advances through the definition as top-level steps complete.
type Engine struct {
	*agent.BaseAgent
	def      *Definition
	env      *module.Env
	modules  []module.StepModule
	maxSteps int
	state    *agent.State[runState]
}

// NewEngine creates an inactive engine agent. Every module is registered on
// the engine's pipeline.
func NewEngine(id string, def *Definition, env *module.Env, mods []module.StepModule, optFns ...func(o *EngineOptions)) *Engine {
	opts := EngineOptions{
		MaxSteps: DefaultMaxSteps,
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	e := &Engine{
		BaseAgent: agent.NewBaseAgent(id, KindEngine, func(o *agent.Options) {
			o.Logger = opts.Logger
		}),
		def:      def,
		env:      env,
		modules:  mods,
		maxSteps: opts.MaxSteps,
	}
	e.state = agent.NewState(id, runState{})

	agent.On(e.Pipeline(), -10, e.handleRun)
	agent.On(e.Pipeline(), 10, e.handleCompleted)

	for _, m := range mods {
		e.Pipeline().Use(m)
	}

	return e
}

// Modules returns the step modules of the run.
func (e *Engine) Modules() []module.StepModule { return e.modules }

// Pending sums the pending work of every module.
func (e *Engine) Pending() int { return module.Pending(e.modules) }

func (e *Engine) handleRun(ctx context.Context, _ core.Envelope, req core.RunRequest) error {
	if req.RunID != e.ID() {
		return nil
	}

	if e.state.Get().runID != "" {
		e.Logger().Warn("Duplicate run request ignored", "run_id", req.RunID)
		return nil
	}

	e.state.Set(ctx, runState{
		runID:    req.RunID,
		input:    req.Input,
		previous: req.Input,
		outputs:  map[string]string{},
		vars:     map[string]string{},
	})

	return e.execute(ctx, 0)
}

// execute dispatches the step at idx, or finishes the run past the last step.
func (e *Engine) execute(ctx context.Context, idx int) error {
	st := e.state.Get()

	if idx >= len(e.def.Steps) {
		return e.finish(ctx, core.WorkflowCompleted{Output: st.previous, Success: true, Metadata: st.last})
	}

	if st.executed >= e.maxSteps {
		return e.finish(ctx, core.WorkflowCompleted{
			Output:   st.previous,
			Error:    fmt.Sprintf("workflow: step limit of %d exceeded", e.maxSteps),
			Metadata: st.last,
		})
	}

	step := e.def.Steps[idx]

	input, err := e.stepInput(st, step)
	if err != nil {
		return e.finish(ctx, core.WorkflowCompleted{Error: fmt.Sprintf("workflow: step %s: %v", step.ID, err)})
	}

	params := maps.Clone(step.Parameters)
	if params == nil {
		params = map[string]string{}
	}

	delete(params, "input")

	req := core.StepRequest{
		StepID:     step.ID,
		StepType:   step.Type,
		RunID:      st.runID,
		Input:      input,
		TargetRole: step.TargetRole,
		WorkerID:   params["worker_id"],
		Parameters: params,
	}

	if req.TargetRole == "" {
		req.TargetRole = e.def.DefaultRole()
	}

	e.state.Update(ctx, func(s runState) runState {
		s.index = idx
		s.current = step.ID
		s.executed++

		return s
	})

	e.Logger().Debug("Dispatching step", "run_id", st.runID, "step_id", step.ID, "step_type", step.Type)

	if err := e.env.Dispatch(ctx, e, req); err != nil {
		return e.finish(ctx, core.WorkflowCompleted{Error: fmt.Sprintf("workflow: dispatch %s: %v", step.ID, err)})
	}

	return nil
}

// stepInput is the previous output unless the step overrides it with an
// input template.
func (e *Engine) stepInput(st runState, step Step) (string, error) {
	tmpl, ok := step.Parameters["input"]
	if !ok {
		return st.previous, nil
	}

	steps := make(map[string]any, len(st.outputs))
	for k, v := range st.outputs {
		steps[k] = v
	}

	vars := make(map[string]any, len(st.vars))
	for k, v := range st.vars {
		vars[k] = v
	}

	return util.RenderTemplate(tmpl, map[string]any{
		"input":    st.input,
		"previous": st.previous,
		"steps":    steps,
		"vars":     vars,
	})
}

func (e *Engine) handleCompleted(ctx context.Context, _ core.Envelope, done core.StepCompleted) error {
	st := e.state.Get()
	if st.finished || done.StepID != st.current {
		return nil
	}

	step := e.def.Steps[st.index]

	e.state.Update(ctx, func(s runState) runState {
		s.outputs = maps.Clone(s.outputs)
		s.outputs[done.StepID] = done.Output
		s.previous = done.Output
		s.current = ""
		s.last = maps.Clone(done.Metadata)

		s.vars = maps.Clone(s.vars)
		for k, v := range done.Metadata {
			if name, ok := strings.CutPrefix(k, module.MetaVarPrefix); ok {
				s.vars[name] = v
			}
		}

		return s
	})

	if !done.Success && !step.ContinueOnError {
		msg := done.Error
		if msg == "" {
			msg = "step failed"
		}

		return e.finish(ctx, core.WorkflowCompleted{
			Output:   done.Output,
			Error:    fmt.Sprintf("step %s: %s", done.StepID, msg),
			Metadata: done.Metadata,
		})
	}

	switch next := done.Metadata[module.MetaNextStep]; next {
	case "":
		return e.execute(ctx, st.index+1)
	case module.EndStep:
		return e.finish(ctx, core.WorkflowCompleted{Output: done.Output, Success: true, Metadata: done.Metadata})
	default:
		idx := e.def.StepIndex(next)
		if idx < 0 {
			return e.finish(ctx, core.WorkflowCompleted{
				Output:   done.Output,
				Error:    fmt.Sprintf("step %s: unknown next step %q", done.StepID, next),
				Metadata: done.Metadata,
			})
		}

		return e.execute(ctx, idx)
	}
}

// finish publishes the run result up to the root exactly once.
func (e *Engine) finish(ctx context.Context, res core.WorkflowCompleted) error {
	st := e.state.Get()
	if st.finished {
		return nil
	}

	e.state.Update(ctx, func(s runState) runState {
		s.finished = true
		return s
	})

	md := maps.Clone(res.Metadata)
	if md == nil {
		md = map[string]string{}
	}

	md[MetaStepsExecuted] = strconv.Itoa(st.executed)
	if st.index < len(e.def.Steps) {
		md[MetaLastStep] = e.def.Steps[st.index].ID
	}

	for k, v := range st.vars {
		md[module.MetaVarPrefix+k] = v
	}

	res.RunID = st.runID
	res.Workflow = e.def.Name
	res.Metadata = md

	if n := e.Pending(); n > 0 && res.Success {
		e.Logger().Warn("Run finished with pending module work", "run_id", st.runID, "pending", n)
	}

	return e.Publish(ctx, res, core.DirectionUp)
}
