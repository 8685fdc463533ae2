package connector

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// PolicyQuery is the rego query evaluated for every invocation.
const PolicyQuery = "data.connector_policy.decision"

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// DefaultPolicy allows everything except MCP calls without a tool name.
const DefaultPolicy = `
package connector_policy

default decision = "allow"

decision = "deny" {
	input.connector_type == "mcp"
	input.operation == ""
}
`

// PolicyInput is the document exposed to rego as input.
type PolicyInput struct {
	Connector     string            `json:"connector"`
	ConnectorType string            `json:"connector_type"`
	Operation     string            `json:"operation"`
	Role          string            `json:"role"`
	RunID         string            `json:"run_id"`
	StepID        string            `json:"step_id"`
	Parameters    map[string]string `json:"parameters"`
}

// PolicyGate evaluates an OPA decision per invocation.
type PolicyGate struct {
	query rego.PreparedEvalQuery
}

// NewPolicyGate compiles policy, which must define connector_policy.decision.
func NewPolicyGate(ctx context.Context, policy string) (*PolicyGate, error) {
	r := rego.New(
		rego.Query(PolicyQuery),
		rego.Module("connector_policy.rego", policy),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("connector: prepare policy: %w", err)
	}

	return &PolicyGate{query: query}, nil
}

// LoadPolicyGate reads a rego file from path. An empty path yields DefaultPolicy.
func LoadPolicyGate(ctx context.Context, path string) (*PolicyGate, error) {
	if path == "" {
		return NewPolicyGate(ctx, DefaultPolicy)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("connector: read policy: %w", err)
	}

	return NewPolicyGate(ctx, string(content))
}

// Decide returns the policy decision. Missing or non-string results are errors
// so callers can fail closed.
func (g *PolicyGate) Decide(ctx context.Context, in PolicyInput) (string, error) {
	input := map[string]any{
		"connector":      in.Connector,
		"connector_type": in.ConnectorType,
		"operation":      in.Operation,
		"role":           in.Role,
		"run_id":         in.RunID,
		"step_id":        in.StepID,
		"parameters":     stringMap(in.Parameters),
	}

	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("connector: evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", fmt.Errorf("connector: policy produced no decision")
	}

	decision, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("connector: unexpected policy result %T", results[0].Expressions[0].Value)
	}

	return decision, nil
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
