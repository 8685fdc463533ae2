package workflow

import (
	"maps"
	"sync"
	"time"

	"github.com/hupe1980/makermesh/core"
)

// TraceEntry is one envelope delivery observed during a run.
type TraceEntry struct {
	At       time.Time `json:"at"`
	AgentID  string    `json:"agent_id"`
	Kind     string    `json:"kind"`
	StepID   string    `json:"step_id,omitempty"`
	StepType string    `json:"step_type,omitempty"`
	Success  bool      `json:"success,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// StepTrace summarizes one step or sub-step.
type StepTrace struct {
	StepType string            `json:"step_type"`
	WorkerID string            `json:"worker_id,omitempty"`
	Success  bool              `json:"success"`
	Duration time.Duration     `json:"duration"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Trace is the execution record of a run. It is produced for every run,
// including failed and timed-out ones.
type Trace struct {
	RunID    string                   `json:"run_id"`
	Workflow string                   `json:"workflow"`
	Topology map[string]core.Topology `json:"topology"`
	Timeline []TraceEntry             `json:"timeline"`
	Steps    map[string]StepTrace     `json:"steps"`
}

type traceRecorder struct {
	mu      sync.Mutex
	trace   Trace
	started map[string]time.Time
}

func newTraceRecorder(runID, workflow string) *traceRecorder {
	return &traceRecorder{
		trace: Trace{
			RunID:    runID,
			Workflow: workflow,
			Topology: map[string]core.Topology{},
			Steps:    map[string]StepTrace{},
		},
		started: map[string]time.Time{},
	}
}

func (t *traceRecorder) observe(agentID string, env core.Envelope) {
	entry := TraceEntry{At: env.Timestamp, AgentID: agentID, Kind: env.PayloadType}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch p := env.Payload.(type) {
	case core.StepRequest:
		entry.StepID, entry.StepType = p.StepID, p.StepType

		if _, seen := t.started[p.StepID]; !seen {
			t.started[p.StepID] = env.Timestamp
		}
	case core.StepCompleted:
		entry.StepID, entry.StepType = p.StepID, p.StepType
		entry.Success, entry.Error = p.Success, p.Error

		st := StepTrace{
			StepType: p.StepType,
			WorkerID: p.WorkerID,
			Success:  p.Success,
			Metadata: maps.Clone(p.Metadata),
		}

		if at, ok := t.started[p.StepID]; ok {
			st.Duration = env.Timestamp.Sub(at)
		}

		t.trace.Steps[p.StepID] = st
	case core.WorkflowCompleted:
		entry.Success, entry.Error = p.Success, p.Error
	}

	t.trace.Timeline = append(t.trace.Timeline, entry)
}

func (t *traceRecorder) topology(top core.Topology) {
	t.mu.Lock()
	t.trace.Topology[top.ID] = top
	t.mu.Unlock()
}

func (t *traceRecorder) snapshot() *Trace {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.trace
	out.Topology = maps.Clone(t.trace.Topology)
	out.Steps = maps.Clone(t.trace.Steps)
	out.Timeline = append([]TraceEntry(nil), t.trace.Timeline...)

	return &out
}
