package eventsourcing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/makermesh/core"
)

// StateEvent is one persisted change of an agent's state. Versions are
// contiguous per agent and start at 1.
type StateEvent struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Version   int64           `json:"version"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewStateEvent encodes payload as JSON and returns an unversioned event.
func NewStateEvent(eventType string, payload any) (StateEvent, error) {
	var raw json.RawMessage

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return StateEvent{}, fmt.Errorf("eventsourcing: encode %s: %w", eventType, err)
		}

		raw = b
	}

	return StateEvent{Type: eventType, Payload: raw}, nil
}

// Decode unmarshals the event payload into v.
func (e StateEvent) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}

	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("eventsourcing: decode %s v%d: %w", e.Type, e.Version, err)
	}

	return nil
}

// stamp assigns versions expected+1..expected+n and fills missing ids and
// timestamps. The input slice is not modified.
func stamp(agentID string, expected int64, events []StateEvent) []StateEvent {
	now := time.Now().UTC()
	out := make([]StateEvent, len(events))

	for i, e := range events {
		e.AgentID = agentID
		e.Version = expected + int64(i) + 1

		if e.ID == "" {
			e.ID = core.NewID()
		}

		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}

		out[i] = e
	}

	return out
}
