package testutil

import (
	"maps"

	"github.com/hupe1980/makermesh/core"
)

// StepRequestBuilder provides a fluent helper for constructing step requests.
// Example:
//
//	req := NewStepRequest("s1", "vote").Run("run-1").Input("A\n---\nB").Param("k", "2").Build()
type StepRequestBuilder struct {
	req core.StepRequest
}

// NewStepRequest creates a builder with run id "run-test".
func NewStepRequest(stepID, stepType string) *StepRequestBuilder {
	return &StepRequestBuilder{req: core.StepRequest{
		StepID:     stepID,
		StepType:   stepType,
		RunID:      "run-test",
		Parameters: map[string]string{},
	}}
}

// Run sets the run id (chainable).
func (b *StepRequestBuilder) Run(id string) *StepRequestBuilder { b.req.RunID = id; return b }

// Input sets the step input (chainable).
func (b *StepRequestBuilder) Input(in string) *StepRequestBuilder { b.req.Input = in; return b }

// Role sets the target role (chainable).
func (b *StepRequestBuilder) Role(role string) *StepRequestBuilder { b.req.TargetRole = role; return b }

// Worker addresses a worker point-to-point (chainable).
func (b *StepRequestBuilder) Worker(id string) *StepRequestBuilder { b.req.WorkerID = id; return b }

// Param sets one parameter (chainable).
func (b *StepRequestBuilder) Param(key, value string) *StepRequestBuilder {
	b.req.Parameters[key] = value
	return b
}

// Params merges parameters (chainable).
func (b *StepRequestBuilder) Params(p map[string]string) *StepRequestBuilder {
	maps.Copy(b.req.Parameters, p)
	return b
}

// Build returns a copy of the request.
func (b *StepRequestBuilder) Build() core.StepRequest {
	out := b.req
	out.Parameters = maps.Clone(b.req.Parameters)

	return out
}

// Completed returns a successful completion answering req.
func Completed(req core.StepRequest, output string) core.StepCompleted {
	return core.Succeeded(req, output, nil)
}
