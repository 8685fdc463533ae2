package module

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/core"
)

// Loop bounds.
const (
	DefaultMaxIterations = 5
	MaxIterations        = 100
)

// Metadata keys set on while completions.
const (
	MetaWhileIterations   = "while.iterations"
	MetaWhileConditionMet = "while.condition_met"
)

type loopRun struct {
	req       core.StepRequest
	started   time.Time
	until     string
	max       int
	iteration int
	current   string
}

// While runs body sub-steps one after another, feeding each output into the
// next, until the output contains until (case-insensitive) or max_iterations
// is reached.
type While struct {
	base
	runs *correlation[loopRun]
}

// NewWhile creates the while module.
func NewWhile(env *Env) *While {
	return &While{
		base: base{name: "while", types: []string{core.StepWhile}, env: env},
		runs: newCorrelation[loopRun](),
	}
}

func (m *While) CanHandle(env core.Envelope) bool {
	if _, ok := m.request(env); ok {
		return true
	}

	done, ok := completion(env)

	return ok && m.runs.owns(done.StepID)
}

func (m *While) Handle(ctx context.Context, env core.Envelope, host agent.Host) error {
	if req, ok := m.request(env); ok {
		state := &loopRun{
			req:     req,
			started: time.Now(),
			until:   strings.ToLower(strings.TrimSpace(req.Param("until", ""))),
			max:     min(max(req.IntParam("max_iterations", DefaultMaxIterations), 1), MaxIterations),
			current: req.Input,
		}

		if !m.runs.open(req.StepID, state) {
			return nil
		}

		return m.next(ctx, host, state)
	}

	done, _ := completion(env)

	parentID, state, ok := m.runs.owner(done.StepID)
	if !ok {
		return nil
	}

	m.runs.unbind(done.StepID)

	if !done.Success {
		out := core.Failed(state.req, fmt.Sprintf("while: iteration %d failed: %s", state.iteration, done.Error), m.metadata(state, false))
		m.runs.close(parentID)

		return m.finish(ctx, host, out, state.started)
	}

	state.current = done.Output

	met := state.until != "" && strings.Contains(strings.ToLower(done.Output), state.until)
	if met || state.iteration >= state.max {
		out := core.Succeeded(state.req, done.Output, m.metadata(state, met))
		m.runs.close(parentID)

		return m.finish(ctx, host, out, state.started)
	}

	return m.next(ctx, host, state)
}

func (m *While) next(ctx context.Context, host agent.Host, state *loopRun) error {
	state.iteration++

	sub := state.req.Derive(fmt.Sprintf("_iter_%d", state.iteration), state.req.Param("body_step_type", core.StepLLMCall), state.current, map[string]string{
		"iteration": strconv.Itoa(state.iteration),
	})
	m.runs.bind(sub.StepID, state.req.StepID)

	if err := m.env.Dispatch(ctx, host, sub); err != nil {
		m.runs.close(state.req.StepID)
		return m.finish(ctx, host, core.Failed(state.req, fmt.Sprintf("while: dispatch: %v", err), m.metadata(state, false)), state.started)
	}

	return nil
}

func (m *While) metadata(state *loopRun, met bool) map[string]string {
	return map[string]string{
		MetaWhileIterations:   strconv.Itoa(state.iteration),
		MetaWhileConditionMet: strconv.FormatBool(met),
	}
}

func (m *While) Pending() int { return m.runs.len() }
