package module

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/core"
)

// answerFunc plays the role agents: it answers every llm_call sub-step.
type answerFunc func(req core.StepRequest) core.StepCompleted

func reply(output string) answerFunc {
	return func(req core.StepRequest) core.StepCompleted { return core.Succeeded(req, output, nil) }
}

// fakeHost loops self envelopes back into a pipeline and answers llm_call
// requests published down or sent point-to-point.
type fakeHost struct {
	mu     sync.Mutex
	queue  []core.Envelope
	notify chan struct{}
	answer answerFunc
	sent   map[string][]core.StepRequest
	down   []core.StepRequest
}

func newFakeHost(answer answerFunc) *fakeHost {
	return &fakeHost{notify: make(chan struct{}, 1), answer: answer, sent: map[string][]core.StepRequest{}}
}

func (h *fakeHost) ID() string              { return "engine" }
func (h *fakeHost) Topology() core.Topology { return core.Topology{ID: "engine"} }

func (h *fakeHost) enqueue(p core.Payload) {
	h.mu.Lock()
	h.queue = append(h.queue, core.NewEnvelope("engine", p, core.DirectionSelf))
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *fakeHost) llm(req core.StepRequest, workerID string) {
	done := core.Failed(req, "no answer configured", nil)
	if h.answer != nil {
		done = h.answer(req)
	}

	done.WorkerID = workerID
	h.enqueue(done)
}

func (h *fakeHost) Publish(_ context.Context, p core.Payload, dir core.Direction) error {
	req, isReq := p.(core.StepRequest)

	switch {
	case dir == core.DirectionSelf:
		h.enqueue(p)
	case isReq && req.StepType == core.StepLLMCall:
		h.mu.Lock()
		h.down = append(h.down, req)
		h.mu.Unlock()
		h.llm(req, req.TargetRole)
	}

	return nil
}

func (h *fakeHost) SendTo(_ context.Context, target string, p core.Payload) error {
	if req, ok := p.(core.StepRequest); ok {
		h.mu.Lock()
		h.sent[target] = append(h.sent[target], req)
		h.mu.Unlock()
		h.llm(req, target)
	}

	return nil
}

func (h *fakeHost) Forward(context.Context, core.Envelope, core.Direction) error { return nil }

func (h *fakeHost) pop() (core.Envelope, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.queue) == 0 {
		return core.Envelope{}, false
	}

	env := h.queue[0]
	h.queue = h.queue[1:]

	return env, true
}

// run drives req through mods until its completion is published.
func (h *fakeHost) run(t *testing.T, mods []StepModule, req core.StepRequest) core.StepCompleted {
	t.Helper()

	p := agent.NewPipeline()
	for _, m := range mods {
		p.Use(m)
	}

	ctx := context.Background()
	h.enqueue(req)

	deadline := time.After(2 * time.Second)

	for {
		env, ok := h.pop()
		if !ok {
			select {
			case <-h.notify:
				continue
			case <-deadline:
				t.Fatalf("step %s did not complete", req.StepID)
			}
		}

		if done, ok := env.Payload.(core.StepCompleted); ok && done.StepID == req.StepID {
			return done
		}

		require.NoError(t, p.Dispatch(ctx, env, h))
	}
}

func (h *fakeHost) downCount(prefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, r := range h.down {
		if strings.HasPrefix(r.StepID, prefix) {
			n++
		}
	}

	return n
}

func testEnv() *Env {
	return &Env{
		Workflow:    "wf",
		DefaultRole: "solver",
		Roles: map[string]RoleInfo{
			"solver": {AgentID: "run-test/solver"},
			"critic": {AgentID: "run-test/critic"},
		},
	}
}
