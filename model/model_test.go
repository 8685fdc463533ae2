package model

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hupe1980/makermesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userRequest(text string, stream bool) Request {
	return Request{
		SessionID: "sess-1",
		Contents:  []core.Content{core.NewTextContent("user", text)},
		Stream:    stream,
	}
}

func TestScriptedModel_CannedAndResponder(t *testing.T) {
	m := NewScriptedModel("test", func(instructions, input string) (string, error) {
		return strings.ToUpper(input) + "|" + instructions, nil
	})
	m.AddResponse("hello", "world")

	resp, err := Collect(context.Background(), m, userRequest("hello", false))
	require.NoError(t, err)
	assert.Equal(t, "world", resp.Content.Text())

	req := userRequest("abc", false)
	req.Instructions = "sys"
	resp, err = Collect(context.Background(), m, req)
	require.NoError(t, err)
	assert.Equal(t, "ABC|sys", resp.Content.Text())
	assert.Equal(t, 2, m.Calls())
	assert.Equal(t, "mock", m.Info().Provider)
}

func TestCollect_Streaming(t *testing.T) {
	m := NewScriptedModel("test", nil)

	resp, err := Collect(context.Background(), m, userRequest("ping", true))
	require.NoError(t, err)
	assert.False(t, resp.Partial)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "Mock response to: ping", resp.Content.Text())
}

func TestCollect_PropagatesError(t *testing.T) {
	boom := errors.New("provider down")
	m := NewScriptedModel("test", func(string, string) (string, error) { return "", boom })

	_, err := Collect(context.Background(), m, userRequest("x", false))
	assert.ErrorIs(t, err, boom)
}

func TestCollect_NoContents(t *testing.T) {
	m := NewScriptedModel("test", nil)

	_, err := Collect(context.Background(), m, Request{})
	assert.Error(t, err)
}

type partialOnlyModel struct{}

func (partialOnlyModel) Generate(_ context.Context, req Request) (<-chan Response, <-chan error) {
	out := make(chan Response, 3)
	errCh := make(chan error)
	out <- Response{SessionID: "other", Partial: false, Content: core.NewTextContent("assistant", "foreign")}
	out <- Response{SessionID: req.SessionID, Partial: true, Content: core.NewTextContent("assistant", "ab")}
	out <- Response{SessionID: req.SessionID, Partial: false}
	close(out)
	close(errCh)
	return out, errCh
}

func (partialOnlyModel) Info() Info { return Info{Name: "partial"} }

func TestCollect_SessionCorrelationAndPartialFallback(t *testing.T) {
	resp, err := Collect(context.Background(), partialOnlyModel{}, userRequest("x", true))
	require.NoError(t, err)
	assert.Equal(t, "ab", resp.Content.Text())
}
