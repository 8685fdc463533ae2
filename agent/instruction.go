package agent

import (
	"context"

	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/internal/util"
)

// Provider supplies dynamic instruction text for a step at runtime.
type Provider interface {
	Instruction(ctx context.Context, req core.StepRequest) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(ctx context.Context, req core.StepRequest) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(ctx context.Context, req core.StepRequest) (string, error) {
	return f(ctx, req)
}

// Instruction represents either a static instruction template or a dynamic provider.
// Static text may reference {{.input}}, {{.step_id}}, {{.run_id}} and step
// parameters via {{.params.name}}.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a static template.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(ctx context.Context, req core.StepRequest) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a static string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve returns the instruction text, invoking the provider if needed.
func (i Instruction) Resolve(ctx context.Context, req core.StepRequest) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(ctx, req)
	}

	return util.RenderTemplate(i.text, StepData(req))
}

// StepData exposes a step request to prompt templates.
func StepData(req core.StepRequest) map[string]any {
	params := make(map[string]any, len(req.Parameters))
	for k, v := range req.Parameters {
		params[k] = v
	}

	return map[string]any{
		"input":   req.Input,
		"step_id": req.StepID,
		"run_id":  req.RunID,
		"role":    req.TargetRole,
		"params":  params,
	}
}
