package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/internal/testutil"
)

type ping struct{}

func (ping) PayloadType() string { return "ping" }

func envelope(p core.Payload) core.Envelope {
	return testutil.NewEnvelope("run-1", p).Build()
}

func TestProjection_FoldsRun(t *testing.T) {
	p := NewProjection()

	req := core.StepRequest{StepID: "a", StepType: core.StepTransform, RunID: "run-1", Input: "x"}
	sub := core.StepRequest{StepID: "a_0", StepType: core.StepLLMCall, RunID: "run-1"}
	reqEnv := envelope(req)

	p.Apply(envelope(core.RunRequest{RunID: "run-1", Workflow: "wf", Input: "x"}))
	p.Apply(reqEnv)
	p.Apply(reqEnv.Forwarded("engine"))
	p.Apply(envelope(sub))
	p.Apply(envelope(core.Failed(sub, "boom", nil)))
	p.Apply(envelope(core.Succeeded(req, "X", map[string]string{"k": "v"})))

	rep, ok := p.Get("run-1")
	require.True(t, ok)
	assert.Equal(t, "wf", rep.Workflow)
	assert.Equal(t, StatusRunning, rep.Status)
	assert.False(t, rep.Done())
	require.Len(t, rep.Steps, 2)

	assert.Equal(t, "a", rep.Steps[0].StepID)
	assert.Equal(t, StatusSucceeded, rep.Steps[0].Status)
	assert.Equal(t, "v", rep.Steps[0].Metadata["k"])
	assert.Equal(t, StatusFailed, rep.Steps[1].Status)
	assert.Equal(t, "boom", rep.Steps[1].Error)

	p.Apply(envelope(core.WorkflowCompleted{RunID: "run-1", Workflow: "wf", Output: "X", Success: true}))
	p.Apply(envelope(core.WorkflowCompleted{RunID: "run-1", Workflow: "wf", Success: false, Error: "late"}))

	rep, _ = p.Get("run-1")
	assert.Equal(t, StatusSucceeded, rep.Status)
	assert.Equal(t, "X", rep.Output)
	assert.False(t, rep.FinishedAt.IsZero())
}

func TestProjection_GetReturnsCopy(t *testing.T) {
	p := NewProjection()
	req := core.StepRequest{StepID: "a", RunID: "run-1"}

	p.Apply(envelope(req))
	p.Apply(envelope(core.Succeeded(req, "", map[string]string{"k": "v"})))

	rep, _ := p.Get("run-1")
	rep.Steps[0].Metadata["k"] = "changed"
	rep.Steps[0].Status = StatusFailed

	again, _ := p.Get("run-1")
	assert.Equal(t, "v", again.Steps[0].Metadata["k"])
	assert.Equal(t, StatusSucceeded, again.Steps[0].Status)
}

func TestProjection_ListNewestFirstAndEviction(t *testing.T) {
	p := NewProjection(func(o *ProjectionOptions) { o.MaxRuns = 2 })

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		p.Apply(envelope(core.RunRequest{RunID: id, Workflow: "wf"}))
		p.Apply(envelope(core.WorkflowCompleted{RunID: id, Success: true}))
	}

	list := p.List()
	require.Len(t, list, 2)
	assert.Equal(t, "run-3", list[0].RunID)
	assert.Equal(t, "run-2", list[1].RunID)

	_, ok := p.Get("run-1")
	assert.False(t, ok)
}

func TestProjection_ObserveDropsWhenFull(t *testing.T) {
	p := NewProjection(func(o *ProjectionOptions) { o.Buffer = 1 })

	p.Observe("engine", envelope(core.RunRequest{RunID: "run-1"}))
	p.Observe("engine", envelope(core.RunRequest{RunID: "run-1"}))
	p.Observe("engine", core.NewEnvelope("x", ping{}, core.DirectionSelf))

	assert.EqualValues(t, 1, p.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx)

	assert.Eventually(t, func() bool {
		_, ok := p.Get("run-1")
		return ok
	}, time.Second, 5*time.Millisecond)
}
