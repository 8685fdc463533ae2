package module

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/core"
)

// Workflow control metadata understood by the engine.
const (
	MetaNextStep  = "workflow.next_step"
	MetaVarPrefix = "workflow.var."
	// EndStep as MetaNextStep ends the run successfully.
	EndStep = "__end__"
)

// MetaConditionResult is the evaluated condition of a conditional step.
const MetaConditionResult = "conditional.result"

// Conditional evaluates equals, contains or not_empty over the input (or the
// gjson value at path) and picks the then or else step as the next step.
type Conditional struct {
	base
}

// NewConditional creates the conditional module.
func NewConditional(env *Env) *Conditional {
	return &Conditional{base{name: "conditional", types: []string{core.StepConditional}, env: env}}
}

func (m *Conditional) CanHandle(env core.Envelope) bool {
	_, ok := m.request(env)
	return ok
}

func (m *Conditional) Handle(ctx context.Context, env core.Envelope, host agent.Host) error {
	req, _ := m.request(env)
	started := time.Now()

	result := Evaluate(req)
	md := map[string]string{MetaConditionResult: strconv.FormatBool(result)}

	branch := req.Param("else", "")
	if result {
		branch = req.Param("then", "")
	}

	if branch != "" {
		md[MetaNextStep] = branch
	}

	return m.finish(ctx, host, core.Succeeded(req, req.Input, md), started)
}

func (m *Conditional) Pending() int { return 0 }

// Evaluate checks the condition of a conditional step. Precedence: equals,
// contains, then not_empty (the default).
func Evaluate(req core.StepRequest) bool {
	value := req.Input
	if path := req.Param("path", ""); path != "" {
		value = gjson.Get(req.Input, path).String()
	}

	value = strings.TrimSpace(value)

	if want, ok := req.Parameters["equals"]; ok {
		return value == strings.TrimSpace(want)
	}

	if want, ok := req.Parameters["contains"]; ok {
		return strings.Contains(strings.ToLower(value), strings.ToLower(want))
	}

	if req.BoolParam("not_empty", true) {
		return value != ""
	}

	return value == ""
}
