package agent

import (
	"context"
	"sync"

	"github.com/hupe1980/makermesh/core"
)

// mailbox is an unbounded per-agent FIFO. At most one goroutine drains it at
// a time and that goroutine exits once the queue is empty, so idle agents hold
// no goroutine.
type mailbox struct {
	mu       sync.Mutex
	queue    []core.Envelope
	draining bool
	closed   bool
	idle     chan struct{}
	process  func(env core.Envelope)
}

func newMailbox(process func(env core.Envelope)) *mailbox {
	idle := make(chan struct{})
	close(idle)

	return &mailbox{idle: idle, process: process}
}

func (m *mailbox) push(env core.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrAgentStopped
	}

	m.queue = append(m.queue, env)

	if !m.draining {
		m.draining = true
		m.idle = make(chan struct{})

		go m.drain(m.idle)
	}

	return nil
}

func (m *mailbox) drain(done chan struct{}) {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 || m.closed {
			m.queue = nil
			m.draining = false
			m.mu.Unlock()
			close(done)

			return
		}

		env := m.queue[0]
		m.queue[0] = core.Envelope{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.process(env)
	}
}

// len returns the number of queued envelopes.
func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queue)
}

// wait blocks until the mailbox is drained or ctx is done.
func (m *mailbox) wait(ctx context.Context) error {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close rejects further envelopes and drops queued ones.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.queue = nil
}
