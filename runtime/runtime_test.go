package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/eventsourcing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probe struct {
	*agent.BaseAgent

	mu   sync.Mutex
	seen []string
}

func newProbe(id string) (Actor, error) {
	p := &probe{BaseAgent: agent.NewBaseAgent(id, "probe")}

	agent.On(p.Pipeline(), 0, func(_ context.Context, _ core.Envelope, req core.StepRequest) error {
		p.mu.Lock()
		p.seen = append(p.seen, req.StepID)
		p.mu.Unlock()

		return nil
	})

	return p, nil
}

func (p *probe) handled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.seen...)
}

func newTestRuntime(t *testing.T, optFns ...func(o *Options)) *Runtime {
	t.Helper()

	rt := New(optFns...)
	rt.Register("probe", newProbe)

	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	return rt
}

func TestRuntime_CreateGetDestroy(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)

	a, err := rt.Create(ctx, "probe", "")
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID())

	got, err := rt.Get(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = rt.Create(ctx, "probe", a.ID())
	assert.ErrorIs(t, err, ErrAgentExists)

	_, err = rt.Create(ctx, "nope", "")
	assert.ErrorIs(t, err, ErrUnknownAgentType)

	require.NoError(t, rt.Destroy(ctx, a.ID()))
	_, err = rt.Get(a.ID())
	assert.ErrorIs(t, err, ErrAgentNotFound)

	assert.NoError(t, rt.Destroy(ctx, a.ID()), "destroying a missing agent is a no-op")
}

func TestRuntime_CreateAs(t *testing.T) {
	rt := newTestRuntime(t)

	p, err := CreateAs[*probe](context.Background(), rt, "probe", "typed")
	require.NoError(t, err)
	assert.Equal(t, "typed", p.ID())
}

func TestRuntime_LinkUnlinkKeepsBothSidesConsistent(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)

	for _, id := range []string{"p1", "p2", "c"} {
		_, err := rt.Create(ctx, "probe", id)
		require.NoError(t, err)
	}

	assert.ErrorIs(t, rt.Link(ctx, "c", "c"), ErrSelfLink)
	assert.ErrorIs(t, rt.Link(ctx, "p1", "missing"), ErrAgentNotFound)

	require.NoError(t, rt.Link(ctx, "p1", "c"))
	require.NoError(t, rt.Link(ctx, "p1", "c"))

	p1, _ := rt.Get("p1")
	c, _ := rt.Get("c")
	assert.Equal(t, []string{"c"}, p1.Topology().ChildIDs)
	assert.Equal(t, "p1", c.ParentID())

	// relinking moves the child
	require.NoError(t, rt.Link(ctx, "p2", "c"))
	p2, _ := rt.Get("p2")
	assert.Empty(t, p1.Topology().ChildIDs)
	assert.Equal(t, []string{"c"}, p2.Topology().ChildIDs)
	assert.Equal(t, "p2", c.ParentID())

	require.NoError(t, rt.Unlink(ctx, "c"))
	assert.Empty(t, c.ParentID())
	assert.Empty(t, p2.Topology().ChildIDs)

	assert.NoError(t, rt.Unlink(ctx, "c"), "unlinking twice is a no-op")
	assert.NoError(t, rt.Unlink(ctx, "missing"))
}

func TestRuntime_DestroyDetachesEdges(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)

	for _, id := range []string{"root", "mid", "leaf"} {
		_, err := rt.Create(ctx, "probe", id)
		require.NoError(t, err)
	}

	require.NoError(t, rt.Link(ctx, "root", "mid"))
	require.NoError(t, rt.Link(ctx, "mid", "leaf"))
	require.NoError(t, rt.Destroy(ctx, "mid"))

	root, _ := rt.Get("root")
	leaf, _ := rt.Get("leaf")
	assert.Empty(t, root.Topology().ChildIDs)
	assert.Empty(t, leaf.ParentID())
}

func TestRuntime_PublishDownReachesChildrenOnly(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)

	var delivered sync.Map
	rt.OnDeliver(func(agentID string, env core.Envelope) {
		delivered.Store(agentID+"/"+env.ID, true)
	})

	parent, err := CreateAs[*probe](ctx, rt, "probe", "parent")
	require.NoError(t, err)
	c1, err := CreateAs[*probe](ctx, rt, "probe", "c1")
	require.NoError(t, err)
	c2, err := CreateAs[*probe](ctx, rt, "probe", "c2")
	require.NoError(t, err)

	require.NoError(t, rt.Link(ctx, "parent", "c1"))
	require.NoError(t, rt.Link(ctx, "parent", "c2"))

	require.NoError(t, rt.Publish(ctx, "parent", core.StepRequest{StepID: "s1"}, core.DirectionDown))

	assert.Eventually(t, func() bool {
		return len(c1.handled()) == 1 && len(c2.handled()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, parent.WaitIdle(ctx))
	assert.Empty(t, parent.handled())

	count := 0
	delivered.Range(func(any, any) bool { count++; return true })
	assert.Equal(t, 2, count)
}

func TestRuntime_CyclicLinksTerminate(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)

	a, err := CreateAs[*probe](ctx, rt, "probe", "a")
	require.NoError(t, err)
	b, err := CreateAs[*probe](ctx, rt, "probe", "b")
	require.NoError(t, err)

	require.NoError(t, rt.Link(ctx, "a", "b"))

	// forward every envelope b receives back to its parent
	agent.On(b.Pipeline(), 1, func(ctx context.Context, env core.Envelope, _ core.StepRequest) error {
		return b.Forward(ctx, env.Forwarded(b.ID()), core.DirectionUp)
	})
	agent.On(a.Pipeline(), 1, func(ctx context.Context, env core.Envelope, _ core.StepRequest) error {
		return a.Forward(ctx, env.Forwarded(a.ID()), core.DirectionDown)
	})

	require.NoError(t, a.Publish(ctx, core.StepRequest{StepID: "loop"}, core.DirectionSelf))

	assert.Eventually(t, func() bool {
		return len(a.handled()) == 1 && len(b.handled()) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, a.handled(), 1)
	assert.Len(t, b.handled(), 1)
}

func TestRuntime_SendUnknownTarget(t *testing.T) {
	rt := newTestRuntime(t)

	err := rt.Send(context.Background(), "ghost", core.NewEnvelope("x", core.StepRequest{}, core.DirectionSelf))
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRuntime_RestoreAll(t *testing.T) {
	ctx := context.Background()

	store, err := eventsourcing.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	defer store.Close()

	manifest, err := NewSQLiteManifest(store.DB())
	require.NoError(t, err)

	first := New(func(o *Options) { o.Manifest = manifest })
	first.Register("probe", newProbe)

	for _, id := range []string{"x", "y", "z"} {
		_, err := first.Create(ctx, "probe", id)
		require.NoError(t, err)
	}

	require.NoError(t, first.Link(ctx, "x", "y"))
	require.NoError(t, first.Destroy(ctx, "z"))
	require.NoError(t, first.Close(ctx))

	second := newTestRuntime(t, func(o *Options) { o.Manifest = manifest })

	n, err := second.RestoreAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids := []string{}
	for _, a := range second.GetAll() {
		ids = append(ids, a.ID())
		assert.Empty(t, a.ParentID(), "links are not restored")
	}
	assert.Equal(t, []string{"x", "y"}, ids)

	n, err = second.RestoreAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "live agents are skipped")
}

func TestRuntime_RestoreUnknownType(t *testing.T) {
	ctx := context.Background()
	manifest := NewMemoryManifest()
	require.NoError(t, manifest.Put(ctx, ManifestEntry{AgentID: "m", Kind: "mystery"}))

	rt := newTestRuntime(t, func(o *Options) { o.Manifest = manifest })

	_, err := rt.RestoreAll(ctx)
	assert.ErrorIs(t, err, ErrUnknownAgentType)
}

func TestRuntime_SpawnedAgentsAreTransient(t *testing.T) {
	ctx := context.Background()
	manifest := NewMemoryManifest()
	rt := newTestRuntime(t, func(o *Options) { o.Manifest = manifest })

	p, _ := newProbe("spawned")
	require.NoError(t, rt.Spawn(ctx, p))

	entries, err := manifest.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCallbackManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)

	var (
		mu     sync.Mutex
		events []CallbackType
	)

	record := func(_ context.Context, cc *CallbackContext) error {
		mu.Lock()
		defer mu.Unlock()

		events = append(events, CallbackType(cc.Kind))

		return nil
	}

	for _, ct := range []CallbackType{CallbackCreated, CallbackLinked, CallbackUnlinked, CallbackDestroyed} {
		rt.Callbacks().RegisterCallback(NewFunctionCallback(ct, func(ctx context.Context, cc *CallbackContext) error {
			return record(ctx, &CallbackContext{Kind: string(ct)})
		}))
	}

	_, err := rt.Create(ctx, "probe", "p")
	require.NoError(t, err)
	_, err = rt.Create(ctx, "probe", "c")
	require.NoError(t, err)
	require.NoError(t, rt.Link(ctx, "p", "c"))
	require.NoError(t, rt.Destroy(ctx, "c"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []CallbackType{CallbackCreated, CallbackCreated, CallbackLinked, CallbackUnlinked, CallbackDestroyed}, events)
}
