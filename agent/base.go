package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/logging"
)

var (
	// ErrAgentStopped is returned when delivering to an agent that is not active.
	ErrAgentStopped = errors.New("agent: agent is not running")
	// ErrAgentRunning is returned when activating an agent twice.
	ErrAgentRunning = errors.New("agent: agent is already running")
	// ErrDetached is returned when publishing across agents without a transport.
	ErrDetached = errors.New("agent: agent is not attached to a runtime")
)

// Transport delivers envelopes to other agents. The actor runtime implements it.
type Transport interface {
	Send(ctx context.Context, targetID string, env core.Envelope) error
}

// Options configures a BaseAgent.
type Options struct {
	// Logger defaults to logging.NoOpLogger.
	Logger logging.Logger
	// OnError observes handler errors raised while draining the mailbox.
	OnError func(env core.Envelope, err error)
}

// BaseAgent bundles identity, hierarchy edges, the handler pipeline and the
// mailbox. Embed it in concrete agents and register handlers on Pipeline()
// during construction. All exported methods are goroutine-safe.
type BaseAgent struct {
	id   string
	kind string

	mu        sync.RWMutex
	parentID  string
	children  []string
	transport Transport
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool

	pipeline *Pipeline
	mailbox  *mailbox
	logger   logging.Logger
	onError  func(env core.Envelope, err error)
}

// NewBaseAgent constructs an inactive agent with the given id and type name.
func NewBaseAgent(id, kind string, optFns ...func(o *Options)) *BaseAgent {
	opts := Options{Logger: logging.NoOpLogger{}}

	for _, fn := range optFns {
		fn(&opts)
	}

	b := &BaseAgent{
		id:       id,
		kind:     kind,
		pipeline: NewPipeline(),
		logger:   opts.Logger,
		onError:  opts.OnError,
		ctx:      context.Background(),
	}
	b.mailbox = newMailbox(b.process)
	b.mailbox.close()

	return b
}

// ID returns the agent id.
func (b *BaseAgent) ID() string { return b.id }

// Kind returns the registered type name of the agent.
func (b *BaseAgent) Kind() string { return b.kind }

// Pipeline exposes the handler pipeline for registration.
func (b *BaseAgent) Pipeline() *Pipeline { return b.pipeline }

// Logger returns the agent's logger.
func (b *BaseAgent) Logger() logging.Logger { return b.logger }

// Activate attaches the agent to a transport and opens its mailbox. The
// context bounds every handler invocation until Deactivate.
func (b *BaseAgent) Activate(ctx context.Context, t Transport) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrAgentRunning
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.transport = t
	b.running = true
	b.mailbox = newMailbox(b.process)

	return nil
}

// Deactivate closes the mailbox and cancels in-flight handlers. Deactivating
// an inactive agent is a no-op.
func (b *BaseAgent) Deactivate(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}

	b.mailbox.close()
	b.cancel()
	b.running = false

	return nil
}

// Running reports whether the agent is active.
func (b *BaseAgent) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.running
}

// ParentID returns the parent id, or "" for a root agent.
func (b *BaseAgent) ParentID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.parentID
}

// ChildIDs returns a copy of the child ids in link order.
func (b *BaseAgent) ChildIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return slices.Clone(b.children)
}

// Topology returns a snapshot of the agent's edges.
func (b *BaseAgent) Topology() core.Topology {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return core.Topology{ID: b.id, ParentID: b.parentID, ChildIDs: slices.Clone(b.children)}
}

// SetParent records the parent edge. Only the runtime should call it so both
// sides of a link stay consistent.
func (b *BaseAgent) SetParent(parentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.parentID = parentID
}

// AddChild records a child edge and reports whether it was new.
func (b *BaseAgent) AddChild(childID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if slices.Contains(b.children, childID) {
		return false
	}

	b.children = append(b.children, childID)

	return true
}

// RemoveChild drops a child edge and reports whether it existed.
func (b *BaseAgent) RemoveChild(childID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.Index(b.children, childID)
	if i < 0 {
		return false
	}

	b.children = slices.Delete(b.children, i, i+1)

	return true
}

// Deliver enqueues env for asynchronous handling in FIFO order.
func (b *BaseAgent) Deliver(_ context.Context, env core.Envelope) error {
	b.mu.RLock()
	mb := b.mailbox
	b.mu.RUnlock()

	return mb.push(env)
}

// Pending returns the number of envelopes waiting in the mailbox.
func (b *BaseAgent) Pending() int {
	b.mu.RLock()
	mb := b.mailbox
	b.mu.RUnlock()

	return mb.len()
}

// WaitIdle blocks until the mailbox has been drained.
func (b *BaseAgent) WaitIdle(ctx context.Context) error {
	b.mu.RLock()
	mb := b.mailbox
	b.mu.RUnlock()

	return mb.wait(ctx)
}

// HandleEnvelope dispatches env through the pipeline synchronously inside a
// fresh handler scope. Envelopes that already passed through this agent are
// skipped.
func (b *BaseAgent) HandleEnvelope(ctx context.Context, env core.Envelope) error {
	if env.VisitedBy(b.id) {
		return nil
	}

	scoped, s := enterScope(ctx, b.id)
	defer s.close()

	return b.pipeline.Dispatch(scoped, env, b)
}

func (b *BaseAgent) process(env core.Envelope) {
	b.mu.RLock()
	ctx := b.ctx
	b.mu.RUnlock()

	if err := b.HandleEnvelope(ctx, env); err != nil {
		b.logger.Error("Envelope handling failed", "agent_id", b.id, "payload_type", env.PayloadType, "error", err)

		if b.onError != nil {
			b.onError(env, err)
		}
	}
}

// Publish wraps payload in a new envelope and routes it from this agent.
func (b *BaseAgent) Publish(ctx context.Context, payload core.Payload, dir core.Direction) error {
	return b.Forward(ctx, core.NewEnvelope(b.id, payload, dir), dir)
}

// Forward routes an existing envelope in direction dir, preserving its
// publishers chain so cyclic links terminate.
func (b *BaseAgent) Forward(ctx context.Context, env core.Envelope, dir core.Direction) error {
	if env.Direction != dir {
		env = env.WithDirection(dir)
	}

	return core.Route(ctx, env, b.Topology(), b.deliverSelf, b.send)
}

// deliverSelf loops a self envelope through the transport when attached so
// runtime taps observe it.
func (b *BaseAgent) deliverSelf(ctx context.Context, env core.Envelope) error {
	b.mu.RLock()
	t := b.transport
	b.mu.RUnlock()

	if t == nil {
		return b.Deliver(ctx, env)
	}

	return t.Send(ctx, b.id, env)
}

// SendTo delivers payload point-to-point to targetID.
func (b *BaseAgent) SendTo(ctx context.Context, targetID string, payload core.Payload) error {
	env := core.NewEnvelope(b.id, payload, core.DirectionSelf).Forwarded(b.id)
	return b.send(ctx, targetID, env)
}

func (b *BaseAgent) send(ctx context.Context, targetID string, env core.Envelope) error {
	b.mu.RLock()
	t := b.transport
	b.mu.RUnlock()

	if t == nil {
		return fmt.Errorf("%w: %s", ErrDetached, b.id)
	}

	return t.Send(ctx, targetID, env)
}
