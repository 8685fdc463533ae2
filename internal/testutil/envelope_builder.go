package testutil

import (
	"github.com/hupe1980/makermesh/core"
)

// EnvelopeBuilder constructs envelopes with a chosen direction and visited
// chain.
// Example:
//
//	env := NewEnvelope("parent", payload).Direction(core.DirectionDown).Visited("a", "b").Build()
type EnvelopeBuilder struct {
	env core.Envelope
}

// NewEnvelope creates a Self envelope published by publisherID.
func NewEnvelope(publisherID string, payload core.Payload) *EnvelopeBuilder {
	return &EnvelopeBuilder{env: core.NewEnvelope(publisherID, payload, core.DirectionSelf)}
}

// Direction sets the routing direction (chainable).
func (b *EnvelopeBuilder) Direction(d core.Direction) *EnvelopeBuilder {
	b.env = b.env.WithDirection(d)
	return b
}

// Visited records agent ids in the publishers chain (chainable).
func (b *EnvelopeBuilder) Visited(ids ...string) *EnvelopeBuilder {
	for _, id := range ids {
		b.env = b.env.Forwarded(id)
	}

	return b
}

// Meta sets a metadata entry (chainable).
func (b *EnvelopeBuilder) Meta(key, value string) *EnvelopeBuilder {
	b.env = b.env.WithMetadata(key, value)
	return b
}

// Build returns the envelope.
func (b *EnvelopeBuilder) Build() core.Envelope { return b.env }
