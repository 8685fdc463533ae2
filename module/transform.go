package module

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/core"
)

// Transform reshapes the step input. Precedence: path (gjson extraction),
// template (Go template), op (upper, lower or trim).
type Transform struct {
	base
}

// NewTransform creates the transform module.
func NewTransform(env *Env) *Transform {
	return &Transform{base{name: "transform", types: []string{core.StepTransform}, env: env}}
}

func (m *Transform) CanHandle(env core.Envelope) bool {
	_, ok := m.request(env)
	return ok
}

func (m *Transform) Handle(ctx context.Context, env core.Envelope, host agent.Host) error {
	req, _ := m.request(env)
	started := time.Now()

	out, err := Apply(req)
	if err != nil {
		return m.finish(ctx, host, core.Failed(req, err.Error(), nil), started)
	}

	return m.finish(ctx, host, core.Succeeded(req, out, nil), started)
}

func (m *Transform) Pending() int { return 0 }

// Apply computes the output of a transform step.
func Apply(req core.StepRequest) (string, error) {
	if path := req.Param("path", ""); path != "" {
		res := gjson.Get(req.Input, path)
		if !res.Exists() {
			return "", fmt.Errorf("transform: path %q not found", path)
		}

		if res.IsObject() || res.IsArray() {
			return res.Raw, nil
		}

		return res.String(), nil
	}

	if tmpl := req.Param("template", ""); tmpl != "" {
		return render(req, tmpl)
	}

	switch op := strings.ToLower(req.Param("op", "trim")); op {
	case "upper":
		return strings.ToUpper(req.Input), nil
	case "lower":
		return strings.ToLower(req.Input), nil
	case "trim":
		return strings.TrimSpace(req.Input), nil
	default:
		return "", fmt.Errorf("transform: unknown op %q", op)
	}
}

// Assign sets a run variable and optionally writes the value into the JSON
// input at json_path.
type Assign struct {
	base
}

// NewAssign creates the assign module.
func NewAssign(env *Env) *Assign {
	return &Assign{base{name: "assign", types: []string{core.StepAssign}, env: env}}
}

func (m *Assign) CanHandle(env core.Envelope) bool {
	_, ok := m.request(env)
	return ok
}

func (m *Assign) Handle(ctx context.Context, env core.Envelope, host agent.Host) error {
	req, _ := m.request(env)
	started := time.Now()

	name := strings.TrimSpace(req.Param("variable", ""))
	if name == "" {
		return m.finish(ctx, host, core.Failed(req, "assign: variable is required", nil), started)
	}

	value, err := render(req, req.Param("value", "{{.input}}"))
	if err != nil {
		return m.finish(ctx, host, core.Failed(req, fmt.Sprintf("assign: %v", err), nil), started)
	}

	out := req.Input

	if path := req.Param("json_path", ""); path != "" {
		input := req.Input
		if strings.TrimSpace(input) == "" {
			input = "{}"
		}

		if gjson.Valid(value) {
			out, err = sjson.SetRaw(input, path, value)
		} else {
			out, err = sjson.Set(input, path, value)
		}

		if err != nil {
			return m.finish(ctx, host, core.Failed(req, fmt.Sprintf("assign: set %s: %v", path, err), nil), started)
		}
	}

	return m.finish(ctx, host, core.Succeeded(req, out, map[string]string{MetaVarPrefix + name: value}), started)
}

func (m *Assign) Pending() int { return 0 }
