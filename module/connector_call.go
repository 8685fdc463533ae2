package module

import (
	"context"
	"time"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/connector"
	"github.com/hupe1980/makermesh/core"
)

// ConnectorCall executes connector_call and bridge_call steps through the
// connector executor. Calls run off the mailbox goroutine; the completion is
// published back into the engine pipeline.
type ConnectorCall struct {
	base
	calls inflight
}

// NewConnectorCall creates the connector_call module.
func NewConnectorCall(env *Env) *ConnectorCall {
	return &ConnectorCall{base: base{name: "connector_call", types: []string{core.StepConnectorCall}, env: env}}
}

func (m *ConnectorCall) CanHandle(env core.Envelope) bool {
	_, ok := m.request(env)
	return ok
}

func (m *ConnectorCall) Handle(ctx context.Context, env core.Envelope, host agent.Host) error {
	req, _ := m.request(env)
	started := time.Now()

	if m.env.Connectors == nil {
		return m.finish(ctx, host, core.Failed(req, "connector_call: no connectors configured", nil), started)
	}

	call := connector.CallFromParams(req.Parameters, req.Input)
	call.Role = req.TargetRole
	call.RunID = req.RunID
	call.StepID = req.StepID

	if len(call.Allowed) == 0 {
		if role, ok := m.env.Roles[req.TargetRole]; ok {
			call.Allowed = role.Connectors
		}
	}

	m.calls.add(1)

	go func() {
		res := m.env.Connectors.Execute(ctx, call)

		var done core.StepCompleted
		if res.Success {
			done = core.Succeeded(req, res.Output, res.Metadata)
		} else {
			done = core.Failed(req, res.Error, res.Metadata)
		}

		m.calls.add(-1)

		if err := m.finish(ctx, host, done, started); err != nil {
			m.env.logger().Error("Failed to publish connector completion", "step_id", req.StepID, "error", err)
		}
	}()

	return nil
}

func (m *ConnectorCall) Pending() int { return m.calls.count() }
