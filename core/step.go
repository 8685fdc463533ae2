package core

import (
	"maps"
	"strconv"
	"strings"
	"time"
)

// Payload type tags.
const (
	TypeStepRequest       = "step.request"
	TypeStepCompleted     = "step.completed"
	TypeRunRequest        = "run.request"
	TypeWorkflowCompleted = "workflow.completed"
)

// StepRequest asks a role agent or a control module to execute one step.
type StepRequest struct {
	StepID     string            `json:"step_id"`
	StepType   string            `json:"step_type"`
	RunID      string            `json:"run_id"`
	Input      string            `json:"input"`
	TargetRole string            `json:"target_role,omitempty"`
	WorkerID   string            `json:"worker_id,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// PayloadType implements Payload.
func (StepRequest) PayloadType() string { return TypeStepRequest }

// Param returns the named parameter or def when it is absent or blank.
func (r StepRequest) Param(name, def string) string {
	if v, ok := r.Parameters[name]; ok && strings.TrimSpace(v) != "" {
		return v
	}

	return def
}

// IntParam parses the named parameter, falling back to def on absence or error.
func (r StepRequest) IntParam(name string, def int) int {
	v, ok := r.Parameters[name]
	if !ok {
		return def
	}

	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}

	return n
}

// BoolParam parses the named parameter, falling back to def on absence or error.
func (r StepRequest) BoolParam(name string, def bool) bool {
	v, ok := r.Parameters[name]
	if !ok {
		return def
	}

	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}

	return b
}

// DurationParam parses the named parameter as a Go duration.
func (r StepRequest) DurationParam(name string, def time.Duration) time.Duration {
	v, ok := r.Parameters[name]
	if !ok {
		return def
	}

	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return def
	}

	return d
}

// Derive builds a request for a dynamically spawned sub-step. The id is the
// parent id plus suffix; parameters are copied and then overlaid with params.
func (r StepRequest) Derive(suffix, stepType, input string, params map[string]string) StepRequest {
	p := make(map[string]string, len(r.Parameters)+len(params))
	maps.Copy(p, r.Parameters)
	maps.Copy(p, params)

	return StepRequest{
		StepID:     r.StepID + suffix,
		StepType:   stepType,
		RunID:      r.RunID,
		Input:      input,
		TargetRole: r.TargetRole,
		Parameters: p,
	}
}

// StepCompleted answers exactly one StepRequest with the same StepID.
type StepCompleted struct {
	StepID   string            `json:"step_id"`
	StepType string            `json:"step_type"`
	RunID    string            `json:"run_id"`
	Output   string            `json:"output"`
	Success  bool              `json:"success"`
	Error    string            `json:"error,omitempty"`
	WorkerID string            `json:"worker_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PayloadType implements Payload.
func (StepCompleted) PayloadType() string { return TypeStepCompleted }

// Succeeded builds a successful completion for req.
func Succeeded(req StepRequest, output string, metadata map[string]string) StepCompleted {
	return StepCompleted{
		StepID:   req.StepID,
		StepType: req.StepType,
		RunID:    req.RunID,
		Output:   output,
		Success:  true,
		Metadata: ensure(metadata),
	}
}

// Failed builds a failed completion for req.
func Failed(req StepRequest, errMsg string, metadata map[string]string) StepCompleted {
	return StepCompleted{
		StepID:   req.StepID,
		StepType: req.StepType,
		RunID:    req.RunID,
		Success:  false,
		Error:    errMsg,
		Metadata: ensure(metadata),
	}
}

func ensure(md map[string]string) map[string]string {
	if md == nil {
		return map[string]string{}
	}

	return md
}

// RunRequest starts a workflow run on an engine agent.
type RunRequest struct {
	RunID    string `json:"run_id"`
	Workflow string `json:"workflow"`
	Input    string `json:"input"`
}

// PayloadType implements Payload.
func (RunRequest) PayloadType() string { return TypeRunRequest }

// WorkflowCompleted is published by the engine agent once a run finalizes.
type WorkflowCompleted struct {
	RunID    string            `json:"run_id"`
	Workflow string            `json:"workflow"`
	Output   string            `json:"output"`
	Success  bool              `json:"success"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PayloadType implements Payload.
func (WorkflowCompleted) PayloadType() string { return TypeWorkflowCompleted }

// RunIDOf returns the run id carried by a workflow payload, or "" for other
// payloads.
func RunIDOf(p Payload) string {
	switch v := p.(type) {
	case StepRequest:
		return v.RunID
	case StepCompleted:
		return v.RunID
	case RunRequest:
		return v.RunID
	case WorkflowCompleted:
		return v.RunID
	default:
		return ""
	}
}
