package report

import (
	"time"

	"github.com/hupe1980/makermesh/core"
)

// Status is the lifecycle state of a run or step.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

func statusOf(success bool) Status {
	if success {
		return StatusSucceeded
	}

	return StatusFailed
}

// StepReport summarizes one step, including module sub-steps.
type StepReport struct {
	StepID     string            `json:"step_id"`
	StepType   string            `json:"step_type"`
	WorkerID   string            `json:"worker_id,omitempty"`
	Status     Status            `json:"status"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Duration is zero while the step is running.
func (s StepReport) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}

	return s.FinishedAt.Sub(s.StartedAt)
}

// RunReport is the read model of one workflow run. Steps are in the order
// they were first seen.
type RunReport struct {
	RunID      string       `json:"run_id"`
	Workflow   string       `json:"workflow"`
	Status     Status       `json:"status"`
	Input      string       `json:"input,omitempty"`
	Output     string       `json:"output,omitempty"`
	Error      string       `json:"error,omitempty"`
	Steps      []StepReport `json:"steps"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitzero"`
}

// Done reports whether the run reached a terminal status.
func (r RunReport) Done() bool { return r.Status != StatusRunning }

// runView is the mutable projection state behind a RunReport.
type runView struct {
	report RunReport
	steps  map[string]int
}

func newRunView(runID string, at time.Time) *runView {
	return &runView{
		report: RunReport{RunID: runID, Status: StatusRunning, StartedAt: at},
		steps:  map[string]int{},
	}
}

func (v *runView) apply(env core.Envelope) {
	switch p := env.Payload.(type) {
	case core.RunRequest:
		v.report.Workflow = p.Workflow
		v.report.Input = p.Input
	case core.StepRequest:
		if _, seen := v.steps[p.StepID]; seen {
			return
		}

		v.steps[p.StepID] = len(v.report.Steps)
		v.report.Steps = append(v.report.Steps, StepReport{
			StepID:    p.StepID,
			StepType:  p.StepType,
			Status:    StatusRunning,
			StartedAt: env.Timestamp,
		})
	case core.StepCompleted:
		idx, seen := v.steps[p.StepID]
		if !seen {
			idx = len(v.report.Steps)
			v.steps[p.StepID] = idx
			v.report.Steps = append(v.report.Steps, StepReport{StepID: p.StepID, StartedAt: env.Timestamp})
		}

		st := &v.report.Steps[idx]
		if st.Status != StatusRunning && st.Status != "" {
			return
		}

		st.StepType = p.StepType
		st.WorkerID = p.WorkerID
		st.Status = statusOf(p.Success)
		st.Error = p.Error
		st.FinishedAt = env.Timestamp
		st.Metadata = cloneMap(p.Metadata)
	case core.WorkflowCompleted:
		if v.report.Done() {
			return
		}

		if v.report.Workflow == "" {
			v.report.Workflow = p.Workflow
		}

		v.report.Status = statusOf(p.Success)
		v.report.Output = p.Output
		v.report.Error = p.Error
		v.report.FinishedAt = env.Timestamp
	}
}

// clone returns a deep copy safe to hand to callers.
func (v *runView) clone() RunReport {
	out := v.report
	out.Steps = make([]StepReport, len(v.report.Steps))

	for i, s := range v.report.Steps {
		s.Metadata = cloneMap(s.Metadata)
		out.Steps[i] = s
	}

	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
