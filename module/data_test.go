package module

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/makermesh/artifact"
	"github.com/hupe1980/makermesh/connector"
	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/internal/testutil"
	"github.com/hupe1980/makermesh/memory"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		params  map[string]string
		want    string
		wantErr bool
	}{
		{"path scalar", `{"a":{"b":"c"}}`, map[string]string{"path": "a.b"}, "c", false},
		{"path object", `{"a":{"b":"c"}}`, map[string]string{"path": "a"}, `{"b":"c"}`, false},
		{"path missing", `{}`, map[string]string{"path": "x"}, "", true},
		{"template", "world", map[string]string{"template": "hello {{.input}}"}, "hello world", false},
		{"upper", "abc", map[string]string{"op": "upper"}, "ABC", false},
		{"default trim", "  abc ", nil, "abc", false},
		{"unknown op", "abc", map[string]string{"op": "reverse"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(testutil.NewStepRequest("t", core.StepTransform).Input(tt.input).Params(tt.params).Build())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssign(t *testing.T) {
	mods := All(testEnv())

	req := testutil.NewStepRequest("a", core.StepAssign).
		Input(`{"n":1}`).
		Param("variable", "answer").
		Param("value", "forty two").
		Param("json_path", "result.text").
		Build()
	done := newFakeHost(nil).run(t, mods, req)

	require.True(t, done.Success, done.Error)
	assert.Equal(t, "forty two", done.Metadata[MetaVarPrefix+"answer"])
	assert.JSONEq(t, `{"n":1,"result":{"text":"forty two"}}`, done.Output)

	req = testutil.NewStepRequest("b", core.StepAssign).Input("plain").Build()
	done = newFakeHost(nil).run(t, mods, req)
	assert.False(t, done.Success)
}

func TestCheckpointAndRetrieveFacts(t *testing.T) {
	ctx := context.Background()

	env := testEnv()
	env.Artifacts = artifact.NewInMemoryStore()

	facts := memory.NewInMemoryStore()
	_, err := facts.Remember(ctx, "wf", "Paris is the capital of France", nil)
	require.NoError(t, err)
	_, err = facts.Remember(ctx, "wf", "Go has goroutines", nil)
	require.NoError(t, err)

	env.Facts = facts
	mods := All(env)

	req := testutil.NewStepRequest("cp", core.StepCheckpoint).Input("draft v1").Build()
	done := newFakeHost(nil).run(t, mods, req)
	require.True(t, done.Success, done.Error)
	assert.Equal(t, "1", done.Metadata[MetaCheckpointVersion])

	data, err := env.Artifacts.Load(ctx, "run-test", "cp", 0)
	require.NoError(t, err)
	assert.Equal(t, "draft v1", string(data))

	req = testutil.NewStepRequest("rf", core.StepRetrieveFacts).Input("capital of france").Build()
	done = newFakeHost(nil).run(t, mods, req)
	require.True(t, done.Success, done.Error)
	assert.Equal(t, "Paris is the capital of France", strings.Split(done.Output, "\n")[0])
}

func TestStoreSteps_WithoutStores(t *testing.T) {
	mods := All(testEnv())

	for _, typ := range []string{core.StepCheckpoint, core.StepRetrieveFacts, core.StepConnectorCall} {
		done := newFakeHost(nil).run(t, mods, testutil.NewStepRequest("s", typ).Build())
		assert.False(t, done.Success, typ)
	}
}

func TestConnectorCall(t *testing.T) {
	upper := connector.NewFunctionConnector("upper", func(_ context.Context, req connector.Request) (string, error) {
		return strings.ToUpper(req.Payload), nil
	})

	env := testEnv()
	env.Connectors = connector.NewExecutor(connector.NewRegistry(upper))
	env.Roles["critic"] = RoleInfo{AgentID: "run-test/critic", Connectors: []string{"search"}}
	mods := All(env)

	req := testutil.NewStepRequest("c", "bridge_call").Role("solver").Input("hi").Param("connector", "upper").Build()
	done := newFakeHost(nil).run(t, mods, req)
	require.True(t, done.Success, done.Error)
	assert.Equal(t, "HI", done.Output)
	assert.Equal(t, "function", done.Metadata[connector.MetaType])

	req = testutil.NewStepRequest("d", core.StepConnectorCall).Role("critic").Input("hi").Param("connector", "upper").Build()
	done = newFakeHost(nil).run(t, mods, req)
	assert.False(t, done.Success)
	assert.Contains(t, done.Error, "allowlist")
	assert.Zero(t, Pending(mods))
}

type fakeRunner struct {
	result  core.WorkflowCompleted
	err     error
	called  string
	callers []string
}

func (r *fakeRunner) RunWorkflow(ctx context.Context, name, input string) (core.WorkflowCompleted, error) {
	r.called = name + ":" + input
	r.callers = CallersFrom(ctx)

	return r.result, r.err
}

func TestWorkflowCall(t *testing.T) {
	runner := &fakeRunner{result: core.WorkflowCompleted{RunID: "run-child", Output: "child out", Success: true}}

	env := testEnv()
	env.Workflows = runner
	mods := All(env)

	req := testutil.NewStepRequest("w", "sub_workflow").Input("in").Param("workflow", "child").Build()
	done := newFakeHost(nil).run(t, mods, req)

	require.True(t, done.Success, done.Error)
	assert.Equal(t, "child out", done.Output)
	assert.Equal(t, "run-child", done.Metadata[MetaWorkflowCallRunID])
	assert.Equal(t, "child:in", runner.called)
	assert.Equal(t, []string{"wf"}, runner.callers)

	runner.err = errors.New("unknown workflow")
	done = newFakeHost(nil).run(t, mods, testutil.NewStepRequest("x", core.StepWorkflowCall).Param("workflow", "child").Build())
	assert.False(t, done.Success)

	done = newFakeHost(nil).run(t, mods, testutil.NewStepRequest("y", core.StepWorkflowCall).Param("workflow", "wf").Build())
	assert.False(t, done.Success)
	assert.Contains(t, done.Error, "call cycle wf -> wf")
	assert.Zero(t, Pending(mods))
}

func TestWorkflowCall_RefusesIndirectCycle(t *testing.T) {
	runner := &fakeRunner{result: core.WorkflowCompleted{Success: true}}

	env := testEnv()
	env.Workflows = runner
	env.Callers = []string{"outer", "middle"}
	mods := All(env)

	done := newFakeHost(nil).run(t, mods, testutil.NewStepRequest("c", core.StepWorkflowCall).Param("workflow", "outer").Build())
	assert.False(t, done.Success)
	assert.Equal(t, "workflow_call: call cycle outer -> middle -> wf -> outer", done.Error)
	assert.Empty(t, runner.called)

	done = newFakeHost(nil).run(t, mods, testutil.NewStepRequest("d", core.StepWorkflowCall).Param("workflow", "leaf").Build())
	require.True(t, done.Success, done.Error)
	assert.Equal(t, []string{"outer", "middle", "wf"}, runner.callers)
	assert.Zero(t, Pending(mods))
}
