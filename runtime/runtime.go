package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/logging"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAgentNotFound is returned when an id is not in the live table.
	ErrAgentNotFound = errors.New("runtime: agent not found")
	// ErrAgentExists is returned when creating an agent under a live id.
	ErrAgentExists = errors.New("runtime: agent already exists")
	// ErrSelfLink is returned when linking an agent to itself.
	ErrSelfLink = errors.New("runtime: agent cannot be linked to itself")
	// ErrUnknownAgentType is returned when no factory is registered for a type.
	ErrUnknownAgentType = errors.New("runtime: unknown agent type")
)

// Actor is an addressable agent hosted by the runtime. Every type embedding
// *agent.BaseAgent satisfies it.
type Actor interface {
	ID() string
	Kind() string
	Topology() core.Topology
	ParentID() string
	SetParent(parentID string)
	AddChild(childID string) bool
	RemoveChild(childID string) bool
	Deliver(ctx context.Context, env core.Envelope) error
	Activate(ctx context.Context, t agent.Transport) error
	Deactivate(ctx context.Context) error
}

// Factory constructs an inactive agent for the given id.
type Factory func(id string) (Actor, error)

// Config defines tuning parameters for the runtime.
type Config struct {
	// RestoreConcurrency bounds how many manifest entries RestoreAll
	// recreates at once. Zero means unbounded.
	RestoreConcurrency int
}

// DefaultConfig is used when no Config is supplied.
var DefaultConfig = Config{RestoreConcurrency: 8}

// Options configures a Runtime instance.
type Options struct {
	Config Config
	// Manifest persists agent id to type for RestoreAll. Defaults to an
	// in-memory manifest.
	Manifest ManifestStore
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Runtime hosts agents in a live table, owns their lifecycle and hierarchy
// edges, and is the Transport every hosted agent sends through.
//
// Concurrency Model:
//   - the live table and factories are guarded by one RWMutex
//   - link and unlink serialize on a separate mutex so both edge sides change together
//   - delivery never holds a runtime lock while a handler runs
type Runtime struct {
	config    Config
	manifest  ManifestStore
	logger    logging.Logger
	callbacks *CallbackManager

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	agents    map[string]Actor
	factories map[string]Factory

	linkMu sync.Mutex
}

// New creates a Runtime. Hosted agents run under a runtime-owned context that
// Close cancels, so they outlive the request that created them.
func New(optFns ...func(o *Options)) *Runtime {
	opts := Options{
		Config:   DefaultConfig,
		Manifest: NewMemoryManifest(),
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runtime{
		config:    opts.Config,
		manifest:  opts.Manifest,
		logger:    opts.Logger,
		callbacks: NewCallbackManager(),
		ctx:       ctx,
		cancel:    cancel,
		agents:    make(map[string]Actor),
		factories: make(map[string]Factory),
	}
}

// Callbacks exposes the lifecycle and delivery callback registry.
func (r *Runtime) Callbacks() *CallbackManager { return r.callbacks }

// OnDeliver taps every envelope the runtime delivers. Taps must not block.
func (r *Runtime) OnDeliver(fn func(agentID string, env core.Envelope)) {
	r.callbacks.RegisterCallback(NewFunctionCallback(CallbackDelivered, func(_ context.Context, cc *CallbackContext) error {
		fn(cc.AgentID, *cc.Envelope)
		return nil
	}))
}

// Register binds a type name to a factory. Registering a name twice replaces
// the previous factory.
func (r *Runtime) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[kind] = f
}

// Create instantiates an agent of the registered type, activates it, adds it
// to the live table and records it in the manifest. An empty id is generated.
func (r *Runtime) Create(ctx context.Context, kind, id string) (Actor, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgentType, kind)
	}

	if id == "" {
		id = core.NewID()
	}

	a, err := f(id)
	if err != nil {
		return nil, fmt.Errorf("runtime: construct %s %s: %w", kind, id, err)
	}

	if err := r.host(ctx, a); err != nil {
		return nil, err
	}

	if err := r.manifest.Put(ctx, ManifestEntry{AgentID: a.ID(), Kind: kind}); err != nil {
		_ = r.Destroy(ctx, a.ID())
		return nil, fmt.Errorf("runtime: record manifest for %s: %w", a.ID(), err)
	}

	return a, nil
}

// CreateAs is Create with a typed result.
func CreateAs[T Actor](ctx context.Context, r *Runtime, kind, id string) (T, error) {
	var zero T

	a, err := r.Create(ctx, kind, id)
	if err != nil {
		return zero, err
	}

	typed, ok := a.(T)
	if !ok {
		_ = r.Destroy(ctx, a.ID())
		return zero, fmt.Errorf("runtime: agent %s is %T, not %T", a.ID(), a, zero)
	}

	return typed, nil
}

// Spawn hosts an agent the caller already constructed. Spawned agents are
// transient: they are not written to the manifest and are not restored.
func (r *Runtime) Spawn(ctx context.Context, a Actor) error {
	return r.host(ctx, a)
}

func (r *Runtime) host(ctx context.Context, a Actor) error {
	r.mu.Lock()
	if _, exists := r.agents[a.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentExists, a.ID())
	}

	r.agents[a.ID()] = a
	r.mu.Unlock()

	if err := a.Activate(r.ctx, r); err != nil {
		r.mu.Lock()
		delete(r.agents, a.ID())
		r.mu.Unlock()

		return fmt.Errorf("runtime: activate %s: %w", a.ID(), err)
	}

	r.logger.Debug("Agent created", "agent_id", a.ID(), "kind", a.Kind())
	r.notify(ctx, CallbackCreated, &CallbackContext{AgentID: a.ID(), Kind: a.Kind()})

	return nil
}

// Destroy unlinks, deactivates and forgets an agent. Destroying an unknown id
// is a no-op.
func (r *Runtime) Destroy(ctx context.Context, id string) error {
	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()

	if !ok {
		return nil
	}

	if err := r.Unlink(ctx, id); err != nil {
		return err
	}

	r.linkMu.Lock()
	for _, childID := range a.Topology().ChildIDs {
		a.RemoveChild(childID)

		if child, ok := r.lookup(childID); ok && child.ParentID() == id {
			child.SetParent("")
		}
	}
	r.linkMu.Unlock()

	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()

	if err := a.Deactivate(ctx); err != nil {
		r.logger.Warn("Agent deactivation failed", "agent_id", id, "error", err)
	}

	if err := r.manifest.Delete(ctx, id); err != nil {
		return fmt.Errorf("runtime: remove manifest for %s: %w", id, err)
	}

	r.logger.Debug("Agent destroyed", "agent_id", id)
	r.notify(ctx, CallbackDestroyed, &CallbackContext{AgentID: id, Kind: a.Kind()})

	return nil
}

// Get returns a live agent.
func (r *Runtime) Get(id string) (Actor, error) {
	a, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	return a, nil
}

// GetAll returns every live agent ordered by id.
func (r *Runtime) GetAll() []Actor {
	r.mu.RLock()
	out := make([]Actor, 0, len(r.agents))

	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })

	return out
}

func (r *Runtime) lookup(id string) (Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]

	return a, ok
}

// Link makes childID a child of parentID, moving it away from any previous
// parent. Linking an existing edge again is a no-op.
func (r *Runtime) Link(ctx context.Context, parentID, childID string) error {
	if parentID == childID {
		return fmt.Errorf("%w: %s", ErrSelfLink, parentID)
	}

	parent, err := r.Get(parentID)
	if err != nil {
		return err
	}

	child, err := r.Get(childID)
	if err != nil {
		return err
	}

	r.linkMu.Lock()
	defer r.linkMu.Unlock()

	if old := child.ParentID(); old != "" && old != parentID {
		if prev, ok := r.lookup(old); ok {
			prev.RemoveChild(childID)
		}
	}

	child.SetParent(parentID)
	parent.AddChild(childID)

	r.notify(ctx, CallbackLinked, &CallbackContext{AgentID: childID, Kind: child.Kind(), ParentID: parentID})

	return nil
}

// Unlink is the inverse of Link. Unlinking an unknown or already detached
// agent is a no-op.
func (r *Runtime) Unlink(ctx context.Context, childID string) error {
	child, ok := r.lookup(childID)
	if !ok {
		return nil
	}

	r.linkMu.Lock()
	defer r.linkMu.Unlock()

	parentID := child.ParentID()
	if parentID == "" {
		return nil
	}

	if parent, ok := r.lookup(parentID); ok {
		parent.RemoveChild(childID)
	}

	child.SetParent("")

	r.notify(ctx, CallbackUnlinked, &CallbackContext{AgentID: childID, Kind: child.Kind(), ParentID: parentID})

	return nil
}

// RestoreAll recreates every manifest entry that is not live yet. Links are
// not restored; agents rebuild their topology on activation. It returns the
// number of agents restored.
func (r *Runtime) RestoreAll(ctx context.Context) (int, error) {
	entries, err := r.manifest.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("runtime: list manifest: %w", err)
	}

	var (
		mu       sync.Mutex
		restored int
	)

	g, gctx := errgroup.WithContext(ctx)
	if r.config.RestoreConcurrency > 0 {
		g.SetLimit(r.config.RestoreConcurrency)
	}

	for _, e := range entries {
		if _, live := r.lookup(e.AgentID); live {
			continue
		}

		g.Go(func() error {
			r.mu.RLock()
			f, ok := r.factories[e.Kind]
			r.mu.RUnlock()

			if !ok {
				return fmt.Errorf("%w: %s (agent %s)", ErrUnknownAgentType, e.Kind, e.AgentID)
			}

			a, err := f(e.AgentID)
			if err != nil {
				return fmt.Errorf("runtime: construct %s %s: %w", e.Kind, e.AgentID, err)
			}

			if err := r.host(gctx, a); err != nil {
				if errors.Is(err, ErrAgentExists) {
					return nil
				}

				return err
			}

			mu.Lock()
			restored++
			mu.Unlock()

			return nil
		})
	}

	err = g.Wait()

	r.logger.Info("Agents restored", "count", restored, "manifest_entries", len(entries))

	return restored, err
}

// Send delivers env into targetID's mailbox. It implements agent.Transport.
func (r *Runtime) Send(ctx context.Context, targetID string, env core.Envelope) error {
	a, ok := r.lookup(targetID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, targetID)
	}

	r.notify(ctx, CallbackDelivered, &CallbackContext{AgentID: targetID, Kind: a.Kind(), Envelope: &env})

	return a.Deliver(ctx, env)
}

// Publish routes payload from fromID in direction dir as if the agent had
// published it itself.
func (r *Runtime) Publish(ctx context.Context, fromID string, payload core.Payload, dir core.Direction) error {
	a, err := r.Get(fromID)
	if err != nil {
		return err
	}

	env := core.NewEnvelope(fromID, payload, dir)

	return core.Route(ctx, env, a.Topology(),
		func(ctx context.Context, env core.Envelope) error { return r.Send(ctx, fromID, env) },
		r.Send,
	)
}

// Close destroys every live agent and cancels the runtime context.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error

	for _, a := range r.GetAll() {
		r.mu.Lock()
		delete(r.agents, a.ID())
		r.mu.Unlock()

		if err := a.Deactivate(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	r.cancel()

	return errors.Join(errs...)
}

func (r *Runtime) notify(ctx context.Context, t CallbackType, cc *CallbackContext) {
	if err := r.callbacks.ExecuteCallbacks(ctx, t, cc); err != nil {
		r.logger.Warn("Runtime callback failed", "type", string(t), "agent_id", cc.AgentID, "error", err)
	}
}
