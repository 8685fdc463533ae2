package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/makermesh/core"
)

// ErrNoFinalResponse is returned by Collect when a stream ends without a
// terminal (non-partial) response for the session.
var ErrNoFinalResponse = errors.New("model: stream ended without final response")

// Request captures the normalized model input produced by role agents.
type Request struct {
	SessionID    string         `json:"session_id"`   // Correlates streamed chunks with the caller
	Instructions string         `json:"instructions"` // System prompt for the role
	Contents     []core.Content `json:"contents"`     // Conversation turns
	Stream       bool           `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model.
type Response struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"session_id"`
	Partial      bool         `json:"partial"` // Indicates if this is a partial response
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", etc.
}

// Model is the LLM provider collaborator consumed by role agents.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Collect drains a generation and returns the terminal response for the
// request's session. Partial chunks are concatenated when the provider's
// final chunk carries no text.
func Collect(ctx context.Context, m Model, req Request) (Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var partial strings.Builder

	for {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case err, ok := <-errCh:
			if ok && err != nil {
				return Response{}, err
			}

			errCh = nil
		case resp, ok := <-respCh:
			if !ok {
				if errCh != nil {
					if err := <-errCh; err != nil {
						return Response{}, err
					}
				}

				return Response{}, ErrNoFinalResponse
			}

			if resp.SessionID != "" && req.SessionID != "" && resp.SessionID != req.SessionID {
				continue
			}

			if resp.Partial {
				partial.WriteString(resp.Content.Text())
				continue
			}

			if resp.Content.Text() == "" && partial.Len() > 0 {
				resp.Content = core.NewTextContent("assistant", partial.String())
			}

			return resp, nil
		}
	}
}

// Responder computes a scripted reply from the system prompt and user text.
type Responder func(instructions, input string) (string, error)

// ScriptedModel is a deterministic in-memory Model for tests and examples.
// Replies come from exact-match canned responses first, then the responder.
type ScriptedModel struct {
	info      Info
	mu        sync.Mutex
	responses map[string]string
	responder Responder
	calls     int
}

// NewScriptedModel constructs a ScriptedModel. A nil responder echoes the input.
func NewScriptedModel(name string, responder Responder) *ScriptedModel {
	if responder == nil {
		responder = func(_, input string) (string, error) {
			return fmt.Sprintf("Mock response to: %s", input), nil
		}
	}

	return &ScriptedModel{
		info:      Info{Name: name, Provider: "mock"},
		responses: make(map[string]string),
		responder: responder,
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *ScriptedModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.responses[prompt] = response
}

// Calls returns how many generations were requested.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

// Generate implements Model; emits optional streaming char chunks then final response.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if len(req.Contents) == 0 {
			errCh <- fmt.Errorf("no contents provided")
			return
		}

		input := req.Contents[len(req.Contents)-1].Text()

		m.mu.Lock()
		m.calls++
		full, ok := m.responses[input]
		m.mu.Unlock()

		if !ok {
			var err error
			if full, err = m.responder(req.Instructions, input); err != nil {
				errCh <- err
				return
			}
		}

		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{
					SessionID: req.SessionID,
					Partial:   true,
					Content:   core.NewTextContent("assistant", string(r)),
				}:
				}
			}
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{
			ID:           core.NewID(),
			SessionID:    req.SessionID,
			Partial:      false,
			Content:      core.NewTextContent("assistant", full),
			FinishReason: "stop",
		}:
		}
	}()

	return respCh, errCh
}

// Info implements Model interface.
func (m *ScriptedModel) Info() Info { return m.info }
