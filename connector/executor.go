package connector

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/makermesh/logging"
	"github.com/hupe1980/makermesh/telemetry"
)

// Bounds applied to every call.
const (
	MaxRetry       = 5
	MinTimeout     = 100 * time.Millisecond
	MaxTimeout     = 300 * time.Second
	DefaultTimeout = 30 * time.Second
	// DefaultBackoff is the first delay between attempts; it doubles per retry.
	DefaultBackoff = 50 * time.Millisecond
)

// Missing and failure policies.
const (
	PolicyFail     = "fail"
	PolicySkip     = "skip"
	PolicyContinue = "continue"
)

// Metadata keys attached to every Result.
const (
	MetaName       = "connector.name"
	MetaType       = "connector.type"
	MetaOperation  = "connector.operation"
	MetaAttempts   = "connector.attempts"
	MetaTimeoutMS  = "connector.timeout_ms"
	MetaDurationMS = "connector.duration_ms"
	MetaSkipped    = "connector.skipped"
	MetaContinued  = "connector.continued"
	MetaError      = "connector.error"
)

// Call describes one connector invocation.
type Call struct {
	Connector  string
	Operation  string
	Payload    string
	Parameters map[string]string
	Retry      int
	Timeout    time.Duration
	OnMissing  string
	OnError    string
	// Allowed is the role-scoped allowlist. Empty means no role restriction.
	Allowed []string
	Role    string
	RunID   string
	StepID  string
}

// CallFromParams builds a Call from connector_call step parameters and
// applies the retry and timeout bounds.
func CallFromParams(params map[string]string, payload string) Call {
	c := Call{
		Connector:  strings.TrimSpace(params["connector"]),
		Operation:  strings.TrimSpace(params["operation"]),
		Payload:    payload,
		Parameters: params,
		OnMissing:  PolicyFail,
		OnError:    PolicyFail,
		Timeout:    DefaultTimeout,
	}

	if n, err := strconv.Atoi(strings.TrimSpace(params["retry"])); err == nil {
		c.Retry = n
	}

	if ms, err := strconv.Atoi(strings.TrimSpace(params["timeout_ms"])); err == nil {
		c.Timeout = time.Duration(ms) * time.Millisecond
	}

	if strings.EqualFold(strings.TrimSpace(params["on_missing"]), PolicySkip) {
		c.OnMissing = PolicySkip
	}

	if optional, err := strconv.ParseBool(strings.TrimSpace(params["optional"])); err == nil && optional {
		c.OnMissing = PolicySkip
	}

	if strings.EqualFold(strings.TrimSpace(params["on_error"]), PolicyContinue) {
		c.OnError = PolicyContinue
	}

	c.Allowed = SplitList(params["allowed_connectors"])

	return c.bounded()
}

func (c Call) bounded() Call {
	c.Retry = min(max(c.Retry, 0), MaxRetry)

	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}

	c.Timeout = min(max(c.Timeout, MinTimeout), MaxTimeout)

	return c
}

// SplitList parses a comma separated list, dropping blanks.
func SplitList(csv string) []string {
	var out []string

	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}

	return out
}

// Result is the outcome of a call. Failures are data, never Go errors.
type Result struct {
	Success  bool
	Output   string
	Error    string
	Metadata map[string]string
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Policy      *PolicyGate
	Logger      logging.Logger
	Instruments *telemetry.Instruments
	Backoff     time.Duration
}

// Executor wraps connectors with bounds, allowlisting, retries and timeouts.
type Executor struct {
	registry    *Registry
	policy      *PolicyGate
	logger      logging.Logger
	instruments *telemetry.Instruments
	backoff     time.Duration
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry, optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{
		Logger:  logging.NoOpLogger{},
		Backoff: DefaultBackoff,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Instruments == nil {
		opts.Instruments = telemetry.Noop()
	}

	return &Executor{
		registry:    registry,
		policy:      opts.Policy,
		logger:      opts.Logger,
		instruments: opts.Instruments,
		backoff:     opts.Backoff,
	}
}

// Registry returns the underlying registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs call and always returns a Result.
func (e *Executor) Execute(ctx context.Context, call Call) Result {
	call = call.bounded()
	start := time.Now()

	md := map[string]string{
		MetaName:      call.Connector,
		MetaOperation: call.Operation,
		MetaTimeoutMS: strconv.FormatInt(call.Timeout.Milliseconds(), 10),
		MetaAttempts:  "0",
	}

	finish := func(r Result, attempts int, err error) Result {
		md[MetaDurationMS] = strconv.FormatInt(time.Since(start).Milliseconds(), 10)
		md[MetaAttempts] = strconv.Itoa(attempts)

		for k, v := range md {
			if _, ok := r.Metadata[k]; !ok {
				r.Metadata[k] = v
			}
		}

		logging.Mesh(e.logger).LogConnectorCall(call.Connector, call.Operation, attempts, time.Since(start), r.Success, err)
		e.instruments.RecordConnector(ctx, call.Connector, r.Success, attempts)

		return r
	}

	if call.Connector == "" {
		err := fmt.Errorf("%w: connector parameter is required", ErrNotFound)
		return finish(failure(err.Error()), 0, err)
	}

	if len(call.Allowed) > 0 && !slices.Contains(call.Allowed, call.Connector) {
		err := fmt.Errorf("%w: %s is not in the allowlist of role %q", ErrNotAllowed, call.Connector, call.Role)
		return finish(failure(err.Error()), 0, err)
	}

	conn, err := e.registry.Get(call.Connector)
	if err != nil {
		if call.OnMissing == PolicySkip {
			r := Result{Success: true, Output: call.Payload, Metadata: map[string]string{MetaSkipped: "true"}}
			return finish(r, 0, nil)
		}

		return finish(failure(err.Error()), 0, err)
	}

	md[MetaType] = conn.Type()

	if e.policy != nil {
		if err := e.authorize(ctx, conn, call); err != nil {
			return finish(failure(err.Error()), 0, err)
		}
	}

	resp, attempts, err := e.attempt(ctx, conn, call)
	if err == nil {
		r := Result{Success: true, Output: resp.Output, Metadata: resp.withMetadata(nil).Metadata}
		return finish(r, attempts, nil)
	}

	if call.OnError == PolicyContinue {
		r := Result{
			Success: true,
			Output:  call.Payload,
			Metadata: map[string]string{
				MetaContinued: "true",
				MetaError:     err.Error(),
			},
		}

		return finish(r, attempts, err)
	}

	return finish(failure(err.Error()), attempts, err)
}

func (e *Executor) authorize(ctx context.Context, conn Connector, call Call) error {
	decision, err := e.policy.Decide(ctx, PolicyInput{
		Connector:     call.Connector,
		ConnectorType: conn.Type(),
		Operation:     call.Operation,
		Role:          call.Role,
		RunID:         call.RunID,
		StepID:        call.StepID,
		Parameters:    call.Parameters,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}

	if decision != DecisionAllow {
		return fmt.Errorf("%w: policy decision %q for %s", ErrNotAllowed, decision, call.Connector)
	}

	return nil
}

func (e *Executor) attempt(ctx context.Context, conn Connector, call Call) (Response, int, error) {
	req := Request{
		Operation:  call.Operation,
		Payload:    call.Payload,
		Parameters: call.Parameters,
		RunID:      call.RunID,
		StepID:     call.StepID,
		Role:       call.Role,
	}

	delay := e.backoff

	var lastErr error

	for attempt := 1; attempt <= call.Retry+1; attempt++ {
		resp, err := e.once(ctx, conn, req, call.Timeout)
		if err == nil {
			return resp, attempt, nil
		}

		lastErr = err

		e.logger.Warn("Connector attempt failed",
			"connector", call.Connector,
			"attempt", attempt,
			"max_attempts", call.Retry+1,
			"error", err)

		if attempt > call.Retry || ctx.Err() != nil {
			return Response{}, attempt, lastErr
		}

		if delay > 0 {
			jitter := time.Duration(rand.Int64N(int64(delay)))
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return Response{}, attempt, errors.Join(lastErr, ctx.Err())
			}

			delay *= 2
		}
	}

	return Response{}, call.Retry + 1, lastErr
}

func (e *Executor) once(ctx context.Context, conn Connector, req Request, timeout time.Duration) (Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := conn.Execute(attemptCtx, req)

	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return Response{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}

	if err != nil {
		return Response{}, err
	}

	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "connector reported failure"
		}

		return Response{}, NewError(conn.Name(), msg, "EXECUTION_ERROR")
	}

	return resp, nil
}

func failure(msg string) Result {
	return Result{Success: false, Error: msg, Metadata: map[string]string{}}
}
