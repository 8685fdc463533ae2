package connector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastExecutor(reg *Registry, optFns ...func(o *ExecutorOptions)) *Executor {
	return NewExecutor(reg, append([]func(o *ExecutorOptions){func(o *ExecutorOptions) {
		o.Backoff = time.Millisecond
	}}, optFns...)...)
}

func echoConnector(name string) *FunctionConnector {
	return NewFunctionConnector(name, func(_ context.Context, req Request) (string, error) {
		return "echo:" + req.Payload, nil
	})
}

func TestCallFromParams_Bounds(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]string
		retry   int
		timeout time.Duration
	}{
		{"defaults", map[string]string{}, 0, DefaultTimeout},
		{"retry above max", map[string]string{"retry": "9"}, MaxRetry, DefaultTimeout},
		{"negative retry", map[string]string{"retry": "-2"}, 0, DefaultTimeout},
		{"timeout below min", map[string]string{"timeout_ms": "5"}, 0, MinTimeout},
		{"timeout above max", map[string]string{"timeout_ms": "999999999"}, 0, MaxTimeout},
		{"in range", map[string]string{"retry": "2", "timeout_ms": "1500"}, 2, 1500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := CallFromParams(tt.params, "x")
			assert.Equal(t, tt.retry, c.Retry)
			assert.Equal(t, tt.timeout, c.Timeout)
		})
	}
}

func TestCallFromParams_Policies(t *testing.T) {
	c := CallFromParams(map[string]string{
		"connector":          " crm ",
		"optional":           "true",
		"on_error":           "continue",
		"allowed_connectors": "crm, ,search",
	}, "")

	assert.Equal(t, "crm", c.Connector)
	assert.Equal(t, PolicySkip, c.OnMissing)
	assert.Equal(t, PolicyContinue, c.OnError)
	assert.Equal(t, []string{"crm", "search"}, c.Allowed)
}

func TestExecutor_Success(t *testing.T) {
	e := fastExecutor(NewRegistry(echoConnector("echo")))

	r := e.Execute(context.Background(), CallFromParams(map[string]string{"connector": "echo", "operation": "run"}, "hi"))
	require.True(t, r.Success, r.Error)
	assert.Equal(t, "echo:hi", r.Output)
	assert.Equal(t, "echo", r.Metadata[MetaName])
	assert.Equal(t, "function", r.Metadata[MetaType])
	assert.Equal(t, "run", r.Metadata[MetaOperation])
	assert.Equal(t, "1", r.Metadata[MetaAttempts])
	assert.Equal(t, "30000", r.Metadata[MetaTimeoutMS])
	assert.Contains(t, r.Metadata, MetaDurationMS)
}

func TestExecutor_MissingConnector(t *testing.T) {
	e := fastExecutor(NewRegistry())

	r := e.Execute(context.Background(), CallFromParams(map[string]string{"connector": "nope"}, "in"))
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "not found")

	r = e.Execute(context.Background(), CallFromParams(map[string]string{"connector": "nope", "on_missing": "skip"}, "in"))
	assert.True(t, r.Success)
	assert.Equal(t, "in", r.Output)
	assert.Equal(t, "true", r.Metadata[MetaSkipped])
	assert.Equal(t, "0", r.Metadata[MetaAttempts])

	r = e.Execute(context.Background(), CallFromParams(map[string]string{}, "in"))
	assert.False(t, r.Success)
}

func TestExecutor_AllowlistFailsClosed(t *testing.T) {
	e := fastExecutor(NewRegistry(echoConnector("echo")))

	call := CallFromParams(map[string]string{
		"connector":          "echo",
		"on_missing":         "skip",
		"allowed_connectors": "search",
	}, "in")
	call.Role = "writer"

	r := e.Execute(context.Background(), call)
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "not allowed")
	assert.Contains(t, r.Error, "writer")

	// unregistered but not allowlisted still fails even with skip
	call.Connector = "ghost"
	r = e.Execute(context.Background(), call)
	assert.False(t, r.Success)
}

func TestExecutor_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	flaky := NewFunctionConnector("flaky", func(context.Context, Request) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	e := fastExecutor(NewRegistry(flaky))

	r := e.Execute(context.Background(), CallFromParams(map[string]string{"connector": "flaky", "retry": "2"}, ""))
	require.True(t, r.Success, r.Error)
	assert.Equal(t, "3", r.Metadata[MetaAttempts])
	assert.EqualValues(t, 3, calls.Load())
}

func TestExecutor_RetryExhausted(t *testing.T) {
	var calls atomic.Int32
	broken := NewFunctionConnector("broken", func(context.Context, Request) (string, error) {
		calls.Add(1)
		return "", errors.New("down")
	})

	e := fastExecutor(NewRegistry(broken))

	r := e.Execute(context.Background(), CallFromParams(map[string]string{"connector": "broken", "retry": "1"}, ""))
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "down")
	assert.Equal(t, "2", r.Metadata[MetaAttempts])
	assert.EqualValues(t, 2, calls.Load())
}

func TestExecutor_Timeout(t *testing.T) {
	slow := NewFunctionConnector("slow", func(ctx context.Context, _ Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	e := fastExecutor(NewRegistry(slow))

	start := time.Now()
	r := e.Execute(context.Background(), CallFromParams(map[string]string{"connector": "slow", "timeout_ms": "100"}, ""))
	assert.False(t, r.Success)
	assert.Equal(t, "connector: timeout after 100ms", r.Error)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecutor_ContinueOnError(t *testing.T) {
	broken := NewFunctionConnector("broken", func(context.Context, Request) (string, error) {
		return "", errors.New("boom")
	})

	e := fastExecutor(NewRegistry(broken))

	r := e.Execute(context.Background(), CallFromParams(map[string]string{"connector": "broken", "on_error": "continue"}, "payload"))
	assert.True(t, r.Success)
	assert.Equal(t, "payload", r.Output)
	assert.Equal(t, "true", r.Metadata[MetaContinued])
	assert.Contains(t, r.Metadata[MetaError], "boom")
}

func TestExecutor_PolicyGate(t *testing.T) {
	ctx := context.Background()

	gate, err := NewPolicyGate(ctx, `
package connector_policy

default decision = "allow"

decision = "deny" {
	input.connector == "echo"
	input.role == "intern"
}
`)
	require.NoError(t, err)

	e := fastExecutor(NewRegistry(echoConnector("echo")), func(o *ExecutorOptions) { o.Policy = gate })

	call := CallFromParams(map[string]string{"connector": "echo"}, "x")
	call.Role = "admin"
	assert.True(t, e.Execute(ctx, call).Success)

	call.Role = "intern"
	r := e.Execute(ctx, call)
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, `policy decision "deny"`)
}

func TestExecutor_PolicyWithoutDecisionFailsClosed(t *testing.T) {
	ctx := context.Background()

	gate, err := NewPolicyGate(ctx, `
package connector_policy

decision = "allow" {
	input.role == "admin"
}
`)
	require.NoError(t, err)

	e := fastExecutor(NewRegistry(echoConnector("echo")), func(o *ExecutorOptions) { o.Policy = gate })

	r := e.Execute(ctx, CallFromParams(map[string]string{"connector": "echo"}, "x"))
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "no decision")
}

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()

	gate, err := LoadPolicyGate(ctx, "")
	require.NoError(t, err)

	d, err := gate.Decide(ctx, PolicyInput{Connector: "tools", ConnectorType: "mcp"})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, d)

	d, err = gate.Decide(ctx, PolicyInput{Connector: "tools", ConnectorType: "mcp", Operation: "search"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, d)

	_, err = LoadPolicyGate(ctx, "/does/not/exist.rego")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(echoConnector("b"))
	require.NoError(t, reg.Register(echoConnector("a")))
	assert.Error(t, reg.Register(echoConnector("a")))

	assert.Equal(t, []string{"a", "b"}, reg.Names())

	_, err := reg.Get("zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}
