package server

import (
	"encoding/json"
	"sync"

	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/logging"
	"github.com/hupe1980/makermesh/workflow"
)

// Event is one delivered envelope as streamed to websocket clients.
type Event struct {
	AgentID  string        `json:"agent_id"`
	Envelope core.Envelope `json:"envelope"`
}

// subscriber receives the encoded events of one run. send is closed by the
// hub when the run finishes or the subscriber falls behind.
type subscriber struct {
	runID string
	send  chan []byte
}

// Hub fans run envelopes out to websocket subscribers. Publishing never
// blocks; a subscriber whose buffer is full is dropped.
type Hub struct {
	buffer int
	logger logging.Logger

	mu   sync.Mutex
	runs map[string]map[*subscriber]struct{}
}

// NewHub creates a hub with per-subscriber buffers of the given size.
func NewHub(buffer int, logger logging.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}

	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &Hub{buffer: buffer, logger: logger, runs: map[string]map[*subscriber]struct{}{}}
}

// subscribe registers a subscriber for runID.
func (h *Hub) subscribe(runID string) *subscriber {
	sub := &subscriber{runID: runID, send: make(chan []byte, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.runs[runID] == nil {
		h.runs[runID] = map[*subscriber]struct{}{}
	}

	h.runs[runID][sub] = struct{}{}

	return sub
}

// unsubscribe removes sub. It is safe to call more than once.
func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) {
	subs, ok := h.runs[sub.runID]
	if !ok {
		return
	}

	if _, ok := subs[sub]; !ok {
		return
	}

	delete(subs, sub)
	close(sub.send)

	if len(subs) == 0 {
		delete(h.runs, sub.runID)
	}
}

// Subscribers returns how many subscribers are attached to runID.
func (h *Hub) Subscribers(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.runs[runID])
}

// Observe is a runtime delivery tap. A workflow.completed delivery to the
// root agent ends the stream for that run.
func (h *Hub) Observe(agentID string, env core.Envelope) {
	runID := core.RunIDOf(env.Payload)
	if runID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.runs[runID]
	if len(subs) == 0 {
		return
	}

	data, err := json.Marshal(Event{AgentID: agentID, Envelope: env})
	if err != nil {
		h.logger.Warn("Event encoding failed", "run_id", runID, "error", err)
		return
	}

	for sub := range subs {
		select {
		case sub.send <- data:
		default:
			h.logger.Warn("Subscriber buffer full, closing", "run_id", runID)
			h.removeLocked(sub)
		}
	}

	if _, done := env.Payload.(core.WorkflowCompleted); done && agentID == workflow.RootID {
		for sub := range subs {
			h.removeLocked(sub)
		}
	}
}
