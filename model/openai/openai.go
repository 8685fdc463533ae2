// Package openai adapts the OpenAI Chat Completions API to model.Model.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Options configures the adapter. BaseURL targets OpenAI-compatible gateways.
// A non-zero Seed requests repeatable sampling.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	Seed                int64
	APIKey              string
	BaseURL             string
}

// Model is a model.Model backed by Chat Completions.
type Model struct {
	client *openai.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
}

// NewModel creates a model with its own client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := openai.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a model sharing an existing client. APIKey and
// BaseURL are ignored.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Model{client: client, opts: opts}
}

// Generate implements model.Model. Streaming requests emit one partial
// response per text delta and a final response with the full text.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		var err error
		if req.Stream {
			err = m.stream(ctx, req, out)
		} else {
			err = m.complete(ctx, req, out)
		}

		if err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func (m *Model) params(req model.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            messages(req),
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}

	if m.opts.Seed != 0 {
		params.Seed = openai.Int(m.opts.Seed)
	}

	return params
}

func (m *Model) complete(ctx context.Context, req model.Request, out chan<- model.Response) error {
	resp, err := m.client.Chat.Completions.New(ctx, m.params(req))
	if err != nil {
		return fmt.Errorf("openai: create completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return errors.New("openai: completion has no choices")
	}

	choice := resp.Choices[0]

	return emit(ctx, out, model.Response{
		ID:           resp.ID,
		SessionID:    req.SessionID,
		Content:      core.NewTextContent("assistant", choice.Message.Content),
		FinishReason: choice.FinishReason,
		Usage:        usage(resp.Usage),
	})
}

func (m *Model) stream(ctx context.Context, req model.Request, out chan<- model.Response) error {
	params := m.params(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		id     string
		reason string
		text   strings.Builder
		tokens *model.TokenUsage
	)

	for stream.Next() {
		chunk := stream.Current()
		id = chunk.ID

		if chunk.Usage.TotalTokens > 0 {
			tokens = usage(chunk.Usage)
		}

		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				reason = choice.FinishReason
			}

			if choice.Delta.Content == "" {
				continue
			}

			text.WriteString(choice.Delta.Content)

			if err := emit(ctx, out, model.Response{
				SessionID: req.SessionID,
				Partial:   true,
				Content:   core.NewTextContent("assistant", choice.Delta.Content),
			}); err != nil {
				return err
			}
		}
	}

	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai: stream completion: %w", err)
	}

	return emit(ctx, out, model.Response{
		ID:           id,
		SessionID:    req.SessionID,
		Content:      core.NewTextContent("assistant", text.String()),
		FinishReason: reason,
		Usage:        tokens,
	})
}

// messages maps request contents to chat messages. Instructions become the
// leading system message; unknown roles are sent as user turns.
func messages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Contents)+1)

	if req.Instructions != "" {
		msgs = append(msgs, openai.SystemMessage(req.Instructions))
	}

	for _, c := range req.Contents {
		text := c.Text()
		if text == "" {
			continue
		}

		switch c.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(text))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(text))
		default:
			msgs = append(msgs, openai.UserMessage(text))
		}
	}

	return msgs
}

func usage(u openai.CompletionUsage) *model.TokenUsage {
	return &model.TokenUsage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}

func emit(ctx context.Context, out chan<- model.Response, resp model.Response) error {
	select {
	case out <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.opts.Model, Provider: "openai"}
}
