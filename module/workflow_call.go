package module

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/core"
)

// MetaWorkflowCallRunID is the run id of the nested workflow.
const MetaWorkflowCallRunID = "workflow_call.run_id"

// WorkflowCall runs another registered workflow with the step input. The
// nested run executes asynchronously. A workflow already on the call chain
// is refused.
type WorkflowCall struct {
	base
	calls inflight
}

// NewWorkflowCall creates the workflow_call module.
func NewWorkflowCall(env *Env) *WorkflowCall {
	return &WorkflowCall{base: base{name: "workflow_call", types: []string{core.StepWorkflowCall}, env: env}}
}

func (m *WorkflowCall) CanHandle(env core.Envelope) bool {
	_, ok := m.request(env)
	return ok
}

func (m *WorkflowCall) Handle(ctx context.Context, env core.Envelope, host agent.Host) error {
	req, _ := m.request(env)
	started := time.Now()

	name := req.Param("workflow", "")

	switch {
	case name == "":
		return m.finish(ctx, host, core.Failed(req, "workflow_call: workflow is required", nil), started)
	case m.env.Workflows == nil:
		return m.finish(ctx, host, core.Failed(req, "workflow_call: no workflow runner configured", nil), started)
	}

	chain := append(slices.Clone(m.env.Callers), m.env.Workflow)
	if slices.Contains(chain, name) {
		msg := fmt.Sprintf("workflow_call: call cycle %s -> %s", strings.Join(chain, " -> "), name)
		return m.finish(ctx, host, core.Failed(req, msg, nil), started)
	}

	m.calls.add(1)

	go func() {
		res, err := m.env.Workflows.RunWorkflow(WithCallers(ctx, chain), name, req.Input)

		md := map[string]string{MetaWorkflowCallRunID: res.RunID}

		var done core.StepCompleted

		switch {
		case err != nil:
			done = core.Failed(req, fmt.Sprintf("workflow_call: %s: %v", name, err), md)
		case !res.Success:
			done = core.Failed(req, res.Error, md)
			done.Output = res.Output
		default:
			done = core.Succeeded(req, res.Output, md)
		}

		m.calls.add(-1)

		if err := m.finish(ctx, host, done, started); err != nil {
			m.env.logger().Error("Failed to publish workflow_call completion", "step_id", req.StepID, "error", err)
		}
	}()

	return nil
}

func (m *WorkflowCall) Pending() int { return m.calls.count() }
