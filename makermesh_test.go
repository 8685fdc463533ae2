package makermesh

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/makermesh/connector"
	"github.com/hupe1980/makermesh/model"
	"github.com/hupe1980/makermesh/report"
)

func TestMesh_RunAndReport(t *testing.T) {
	shout := connector.NewFunctionConnector("shout", func(_ context.Context, req connector.Request) (string, error) {
		return strings.ToUpper(req.Payload) + "!", nil
	})

	m := New(func(o *Options) {
		o.Model = model.NewScriptedModel("m", func(_, input string) (string, error) { return "re: " + input, nil })
		o.Connectors = []connector.Connector{shout}
	})
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	_, err := m.Register([]byte(`
name: greet
roles: [{id: writer}]
steps:
  - id: draft
    type: llm_call
  - id: loud
    type: bridge_call
    parameters: {connector: shout}
`))
	require.NoError(t, err)

	res, err := m.Run(context.Background(), "greet", "hello")
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "RE: HELLO!", res.Output)

	assert.Eventually(t, func() bool {
		rep, ok := m.Report(res.RunID)
		return ok && rep.Status == report.StatusSucceeded && len(rep.Steps) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, m.Stats().Succeeded)
}

func TestMesh_RegisterRejectsInvalid(t *testing.T) {
	m := New()
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	_, err := m.Register([]byte(`name: empty`))
	assert.Error(t, err)
}
