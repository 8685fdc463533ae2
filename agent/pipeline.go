package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/makermesh/core"
)

// HandlerFunc processes one envelope inside the agent's handler scope.
type HandlerFunc func(ctx context.Context, env core.Envelope) error

// Module is a pluggable pipeline participant. Modules are registered per agent
// and run in the same priority order as typed handlers.
type Module interface {
	Name() string
	Priority() int
	CanHandle(env core.Envelope) bool
	Handle(ctx context.Context, env core.Envelope, host Host) error
}

// Host is the surface of the owning agent that handlers and modules use to
// emit further envelopes.
type Host interface {
	ID() string
	Topology() core.Topology
	Publish(ctx context.Context, payload core.Payload, dir core.Direction) error
	SendTo(ctx context.Context, targetID string, payload core.Payload) error
	Forward(ctx context.Context, env core.Envelope, dir core.Direction) error
}

type handlerEntry struct {
	name        string
	payloadType string
	priority    int
	seq         int
	fn          HandlerFunc
}

type moduleEntry struct {
	module Module
	seq    int
}

type planned struct {
	name     string
	priority int
	seq      int
	run      func(ctx context.Context, env core.Envelope, host Host) error
}

// Pipeline merges statically declared typed handlers with dynamically
// registered modules. For each envelope every matching entry runs to
// completion in ascending priority order; ties keep registration order.
type Pipeline struct {
	mu       sync.RWMutex
	seq      int
	handlers []handlerEntry // kept sorted by (priority, seq)
	modules  []moduleEntry  // registration order
}

// NewPipeline returns an empty pipeline.
func NewPipeline() *Pipeline { return &Pipeline{} }

// Handle registers fn for envelopes whose payload type equals payloadType.
func (p *Pipeline) Handle(name, payloadType string, priority int, fn HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	p.handlers = append(p.handlers, handlerEntry{
		name:        name,
		payloadType: payloadType,
		priority:    priority,
		seq:         p.seq,
		fn:          fn,
	})

	sort.SliceStable(p.handlers, func(i, j int) bool {
		return less(p.handlers[i].priority, p.handlers[i].seq, p.handlers[j].priority, p.handlers[j].seq)
	})
}

// On registers a typed handler for payloads of type P at the given priority.
func On[P core.Payload](p *Pipeline, priority int, fn func(ctx context.Context, env core.Envelope, payload P) error) {
	var zero P

	tag := zero.PayloadType()
	p.Handle(tag, tag, priority, func(ctx context.Context, env core.Envelope) error {
		payload, ok := env.Payload.(P)
		if !ok {
			return fmt.Errorf("agent: payload %T does not match handler type %T", env.Payload, zero)
		}

		return fn(ctx, env, payload)
	})
}

// Use appends a module to the pipeline.
func (p *Pipeline) Use(m Module) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	p.modules = append(p.modules, moduleEntry{module: m, seq: p.seq})
}

// Remove unregisters the module with the given name. It reports whether a
// module was removed.
func (p *Pipeline) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, m := range p.modules {
		if m.module.Name() == name {
			p.modules = append(p.modules[:i], p.modules[i+1:]...)
			return true
		}
	}

	return false
}

// Modules returns the registered modules in registration order.
func (p *Pipeline) Modules() []Module {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Module, len(p.modules))
	for i, m := range p.modules {
		out[i] = m.module
	}

	return out
}

// Plan returns the names of the entries that would run for env, in order.
func (p *Pipeline) Plan(env core.Envelope) []string {
	entries := p.plan(env)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}

	return names
}

func (p *Pipeline) plan(env core.Envelope) []planned {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]planned, 0, len(p.handlers)+len(p.modules))

	for _, h := range p.handlers {
		if h.payloadType != env.PayloadType {
			continue
		}

		fn := h.fn
		entries = append(entries, planned{
			name:     h.name,
			priority: h.priority,
			seq:      h.seq,
			run: func(ctx context.Context, env core.Envelope, _ Host) error {
				return fn(ctx, env)
			},
		})
	}

	for _, m := range p.modules {
		if !m.module.CanHandle(env) {
			continue
		}

		mod := m.module
		entries = append(entries, planned{
			name:     mod.Name(),
			priority: mod.Priority(),
			seq:      m.seq,
			run:      mod.Handle,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return less(entries[i].priority, entries[i].seq, entries[j].priority, entries[j].seq)
	})

	return entries
}

// Dispatch runs every matching entry sequentially. The first error stops the
// pipeline. No matching entry is a no-op.
func (p *Pipeline) Dispatch(ctx context.Context, env core.Envelope, host Host) error {
	for _, e := range p.plan(env) {
		if err := e.run(ctx, env, host); err != nil {
			return fmt.Errorf("agent: %s: %w", e.name, err)
		}
	}

	return nil
}

func less(pi, si, pj, sj int) bool {
	if pi != pj {
		return pi < pj
	}

	return si < sj
}
