package module

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/internal/testutil"
)

func TestForeach_SplitsInputAndKeepsOrder(t *testing.T) {
	mods := All(testEnv())
	host := newFakeHost(func(req core.StepRequest) core.StepCompleted {
		return core.Succeeded(req, strings.ToUpper(req.Input), nil)
	})

	req := testutil.NewStepRequest("f", core.StepForeach).Input("a\n\nb\nc").Build()
	done := host.run(t, mods, req)

	require.True(t, done.Success, done.Error)
	assert.Equal(t, "A\nB\nC", done.Output)
	assert.Equal(t, "3", done.Metadata[MetaForeachCount])
	assert.Zero(t, Pending(mods))
}

func TestForeach_ItemsPath(t *testing.T) {
	mods := All(testEnv())
	host := newFakeHost(func(req core.StepRequest) core.StepCompleted {
		return core.Succeeded(req, "<"+req.Input+">", nil)
	})

	req := testutil.NewStepRequest("f", core.StepForeach).
		Input(`{"tasks":["x","y"]}`).
		Param("items_path", "tasks").
		Param("delimiter", ",").
		Build()
	done := host.run(t, mods, req)

	require.True(t, done.Success, done.Error)
	assert.Equal(t, "<x>,<y>", done.Output)
}

func TestForeach_EmptyAndFailure(t *testing.T) {
	mods := All(testEnv())

	done := newFakeHost(nil).run(t, mods, testutil.NewStepRequest("f", core.StepForeach).Input(" \n ").Build())
	assert.True(t, done.Success)
	assert.Equal(t, "0", done.Metadata[MetaForeachCount])

	host := newFakeHost(func(req core.StepRequest) core.StepCompleted {
		if req.Input == "bad" {
			return core.Failed(req, "nope", nil)
		}

		return core.Succeeded(req, req.Input, nil)
	})

	done = host.run(t, mods, testutil.NewStepRequest("g", core.StepForeach).Input("ok\nbad").Build())
	assert.False(t, done.Success)
	assert.Equal(t, "nope", done.Error)
	assert.Zero(t, Pending(mods))
}

func TestForeach_ItemsPathNotArray(t *testing.T) {
	req := testutil.NewStepRequest("f", core.StepForeach).Input(`{"a":1}`).Param("items_path", "a").Build()

	_, err := Items(req)
	assert.Error(t, err)
}

func TestWhile_StopsOnUntil(t *testing.T) {
	mods := All(testEnv())
	host := newFakeHost(func(req core.StepRequest) core.StepCompleted {
		n, _ := strconv.Atoi(req.Parameters["iteration"])
		if n == 3 {
			return core.Succeeded(req, "all DONE", nil)
		}

		return core.Succeeded(req, req.Input+"+", nil)
	})

	req := testutil.NewStepRequest("w", "loop").Input("draft").Param("until", "done").Build()
	done := host.run(t, mods, req)

	require.True(t, done.Success, done.Error)
	assert.Equal(t, "all DONE", done.Output)
	assert.Equal(t, "3", done.Metadata[MetaWhileIterations])
	assert.Equal(t, "true", done.Metadata[MetaWhileConditionMet])
	assert.Zero(t, Pending(mods))
}

func TestWhile_MaxIterations(t *testing.T) {
	mods := All(testEnv())
	host := newFakeHost(func(req core.StepRequest) core.StepCompleted {
		return core.Succeeded(req, req.Input+"+", nil)
	})

	req := testutil.NewStepRequest("w", core.StepWhile).Input("x").Param("max_iterations", "2").Build()
	done := host.run(t, mods, req)

	require.True(t, done.Success)
	assert.Equal(t, "x++", done.Output)
	assert.Equal(t, "2", done.Metadata[MetaWhileIterations])
	assert.Equal(t, "false", done.Metadata[MetaWhileConditionMet])
}

func TestWhile_FailedIteration(t *testing.T) {
	mods := All(testEnv())
	host := newFakeHost(func(req core.StepRequest) core.StepCompleted { return core.Failed(req, "broken", nil) })

	done := host.run(t, mods, testutil.NewStepRequest("w", core.StepWhile).Input("x").Build())

	assert.False(t, done.Success)
	assert.Contains(t, done.Error, "iteration 1 failed: broken")
	assert.Zero(t, Pending(mods))
}

func TestConditional(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		params map[string]string
		want   bool
		next   string
	}{
		{"not empty", "x", map[string]string{"then": "a", "else": "b"}, true, "a"},
		{"empty", "  ", map[string]string{"then": "a", "else": "b"}, false, "b"},
		{"equals", "yes", map[string]string{"equals": "yes", "then": "a"}, true, "a"},
		{"contains case-insensitive", "Result: APPROVED", map[string]string{"contains": "approved"}, true, ""},
		{"json path", `{"ok":"no"}`, map[string]string{"path": "ok", "equals": "yes", "else": "retry"}, false, "retry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.NewStepRequest("c", core.StepConditional).Input(tt.input).Params(tt.params).Build()
			done := newFakeHost(nil).run(t, All(testEnv()), req)

			require.True(t, done.Success)
			assert.Equal(t, tt.input, done.Output)
			assert.Equal(t, strconv.FormatBool(tt.want), done.Metadata[MetaConditionResult])
			assert.Equal(t, tt.next, done.Metadata[MetaNextStep])
		})
	}
}
