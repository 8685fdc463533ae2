package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}

		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}

	return out
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{
		"debug": LogLevelDebug, "INFO": LogLevelInfo, "": LogLevelInfo,
		"warn": LogLevelWarn, "warning": LogLevelWarn, "Error": LogLevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestMeshLogger_ContextAndKeyValues(t *testing.T) {
	var buf bytes.Buffer

	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf}).
		WithComponent("engine").
		WithRun("demo", "run-1").
		WithContext("tenant", "t1")

	l.Info("Step dispatched", "step_id", "s1")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "Step dispatched", lines[0]["msg"])
	assert.Equal(t, "engine", lines[0]["component"])
	assert.Equal(t, "demo", lines[0]["workflow"])
	assert.Equal(t, "run-1", lines[0]["run_id"])
	assert.Equal(t, "t1", lines[0]["tenant"])
	assert.Equal(t, "s1", lines[0]["step_id"])
}

func TestMeshLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer

	l := NewLogger(&LoggerConfig{Level: LogLevelWarn, Output: &buf})
	l.Debug("hidden")
	l.Info("hidden")
	l.LogStep("s", "vote", time.Millisecond, true, nil)
	l.Warn("shown")
	l.LogStep("s", "vote", time.Millisecond, false, errors.New("boom"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "shown", lines[0]["msg"])
	assert.Equal(t, "Step failed", lines[1]["msg"])
	assert.Equal(t, "boom", lines[1]["error"])
}

func TestMeshLogger_DomainHelpers(t *testing.T) {
	var buf bytes.Buffer

	l := NewLogger(&LoggerConfig{Level: LogLevelInfo, Output: &buf})
	l.LogVote("s_vote", 2, 1, true)
	l.LogConnectorCall("http", "get", 3, time.Second, true, nil)
	l.LogWorkflowRun("demo", 4, time.Second, true, nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "Vote decided", lines[0]["msg"])
	assert.Equal(t, true, lines[0]["used_majority_fallback"])
	assert.Equal(t, float64(3), lines[1]["attempts"])
	assert.Equal(t, "demo", lines[2]["workflow_name"])
}

func TestMesh_FallsBackToDiscard(t *testing.T) {
	assert.NotPanics(t, func() {
		Mesh(NoOpLogger{}).LogStep("s", "t", 0, false, errors.New("x"))
	})

	ml := NewLogger(nil)
	assert.Same(t, ml, Mesh(ml))
}
