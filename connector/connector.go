package connector

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

var (
	// ErrNotFound is returned when no connector is registered under a name.
	ErrNotFound = errors.New("connector: not found")
	// ErrNotAllowed is returned when an allowlist or policy refuses an invocation.
	ErrNotAllowed = errors.New("connector: not allowed")
	// ErrTimeout is returned when an attempt exceeds its timeout.
	ErrTimeout = errors.New("connector: timeout")
)

// Request is the input handed to a connector for a single attempt.
type Request struct {
	Operation  string            `json:"operation,omitempty"`
	Payload    string            `json:"payload"`
	Parameters map[string]string `json:"parameters,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	StepID     string            `json:"step_id,omitempty"`
	Role       string            `json:"role,omitempty"`
}

// Param returns a request parameter or def.
func (r Request) Param(name, def string) string {
	if v, ok := r.Parameters[name]; ok && v != "" {
		return v
	}

	return def
}

// Response is what a connector reports back. A connector may report a domain
// failure with Success=false instead of returning an error.
type Response struct {
	Success  bool              `json:"success"`
	Output   string            `json:"output"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OK builds a successful response.
func OK(output string) Response {
	return Response{Success: true, Output: output, Metadata: map[string]string{}}
}

// Fail builds a failed response.
func Fail(msg string) Response {
	return Response{Success: false, Error: msg, Metadata: map[string]string{}}
}

func (r Response) withMetadata(md map[string]string) Response {
	out := make(map[string]string, len(r.Metadata)+len(md))
	maps.Copy(out, r.Metadata)
	maps.Copy(out, md)
	r.Metadata = out

	return r
}

// Connector is an external capability invoked by connector_call steps.
//
// Implementations must be safe for concurrent use; the executor calls Execute
// from many workflow runs at once.
type Connector interface {
	// Name returns the registry key.
	Name() string

	// Type returns a short implementation tag such as "http", "cli" or "mcp".
	Type() string

	// Execute performs one attempt. Retries and timeouts are the executor's job.
	Execute(ctx context.Context, req Request) (Response, error)
}

// Error is a categorized connector failure.
type Error struct {
	Connector string `json:"connector"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	Details   any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("connector error [%s] in %s: %s", e.Code, e.Connector, e.Message)
	}

	return fmt.Sprintf("connector error in %s: %s", e.Connector, e.Message)
}

// NewError creates a new Error with the given code.
func NewError(connector, message, code string) *Error {
	return &Error{
		Connector: connector,
		Message:   message,
		Code:      code,
	}
}
