package core

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction controls how the router propagates an envelope relative to the
// agent that publishes it.
type Direction string

const (
	// DirectionSelf delivers the envelope to the publishing agent only.
	DirectionSelf Direction = "self"
	// DirectionUp delivers the envelope to the parent, if any.
	DirectionUp Direction = "up"
	// DirectionDown delivers the envelope to every current child.
	DirectionDown Direction = "down"
	// DirectionBoth delivers the envelope to the parent and every child.
	DirectionBoth Direction = "both"
)

// MetadataPublishers accumulates the ids of agents that already forwarded an
// envelope within one propagation chain.
const MetadataPublishers = "__publishers"

// Payload is implemented by every typed envelope body. The returned tag is the
// dispatch key used by typed pipeline handlers.
type Payload interface {
	PayloadType() string
}

// Envelope is the routed unit of communication between agents. Treat it as
// immutable after NewEnvelope: the With* helpers return modified copies with
// their own metadata map.
type Envelope struct {
	ID          string            `json:"id"`
	Payload     Payload           `json:"payload"`
	PayloadType string            `json:"payload_type"`
	Direction   Direction         `json:"direction"`
	PublisherID string            `json:"publisher_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewEnvelope creates an envelope with a fresh id and UTC timestamp.
func NewEnvelope(publisherID string, payload Payload, dir Direction) Envelope {
	var tag string
	if payload != nil {
		tag = payload.PayloadType()
	}

	return Envelope{
		ID:          NewID(),
		Payload:     payload,
		PayloadType: tag,
		Direction:   dir,
		PublisherID: publisherID,
		Timestamp:   time.Now().UTC(),
		Metadata:    map[string]string{},
	}
}

// NewID returns a random globally unique identifier.
func NewID() string { return uuid.NewString() }

func (e Envelope) clone() Envelope {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}

	e.Metadata = md

	return e
}

// WithMetadata returns a copy of the envelope with key set to value.
func (e Envelope) WithMetadata(key, value string) Envelope {
	c := e.clone()
	c.Metadata[key] = value

	return c
}

// WithDirection returns a copy of the envelope with a different direction.
func (e Envelope) WithDirection(dir Direction) Envelope {
	c := e.clone()
	c.Direction = dir

	return c
}

// Forwarded returns a copy recording agentID in the publishers chain.
func (e Envelope) Forwarded(agentID string) Envelope {
	if e.VisitedBy(agentID) {
		return e.clone()
	}

	c := e.clone()
	if prev := c.Metadata[MetadataPublishers]; prev != "" {
		c.Metadata[MetadataPublishers] = prev + "," + agentID
	} else {
		c.Metadata[MetadataPublishers] = agentID
	}

	return c
}

// Publishers lists the agent ids recorded in the publishers chain, in order.
func (e Envelope) Publishers() []string {
	raw := e.Metadata[MetadataPublishers]
	if raw == "" {
		return nil
	}

	return strings.Split(raw, ",")
}

// VisitedBy reports whether agentID already appears in the publishers chain.
func (e Envelope) VisitedBy(agentID string) bool {
	return slices.Contains(e.Publishers(), agentID)
}

// Is reports whether the envelope carries a payload with the given tag.
func (e Envelope) Is(payloadType string) bool { return e.PayloadType == payloadType }
