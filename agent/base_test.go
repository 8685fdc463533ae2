package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/makermesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records cross-agent sends.
type fakeTransport struct {
	mu    sync.Mutex
	sends map[string][]core.Envelope
	err   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sends: map[string][]core.Envelope{}}
}

func (f *fakeTransport) Send(_ context.Context, target string, env core.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sends[target] = append(f.sends[target], env)

	return f.err
}

func (f *fakeTransport) count(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.sends[target])
}

func TestBaseAgent_Edges(t *testing.T) {
	b := NewBaseAgent("a", "test")

	assert.True(t, b.AddChild("c1"))
	assert.False(t, b.AddChild("c1"))
	assert.True(t, b.AddChild("c2"))
	b.SetParent("p")

	topo := b.Topology()
	assert.Equal(t, "a", topo.ID)
	assert.Equal(t, "p", topo.ParentID)
	assert.Equal(t, []string{"c1", "c2"}, topo.ChildIDs)

	assert.True(t, b.RemoveChild("c1"))
	assert.False(t, b.RemoveChild("c1"))
	assert.Equal(t, []string{"c2"}, b.ChildIDs())
}

func TestBaseAgent_LifecycleAndDeliver(t *testing.T) {
	b := NewBaseAgent("a", "test")

	env := core.NewEnvelope("x", core.StepRequest{}, core.DirectionSelf)
	assert.ErrorIs(t, b.Deliver(context.Background(), env), ErrAgentStopped)

	require.NoError(t, b.Activate(context.Background(), newFakeTransport()))
	assert.ErrorIs(t, b.Activate(context.Background(), newFakeTransport()), ErrAgentRunning)
	assert.True(t, b.Running())

	require.NoError(t, b.Deactivate(context.Background()))
	require.NoError(t, b.Deactivate(context.Background()))
	assert.False(t, b.Running())
	assert.ErrorIs(t, b.Deliver(context.Background(), env), ErrAgentStopped)
}

func TestBaseAgent_MailboxPreservesFIFO(t *testing.T) {
	b := NewBaseAgent("a", "test")

	var mu sync.Mutex
	var got []string
	active := 0
	maxActive := 0

	On(b.Pipeline(), 0, func(_ context.Context, _ core.Envelope, req core.StepRequest) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		got = append(got, req.StepID)
		active--
		mu.Unlock()

		return nil
	})

	require.NoError(t, b.Activate(context.Background(), newFakeTransport()))

	want := []string{"s1", "s2", "s3", "s4", "s5"}
	for _, id := range want {
		require.NoError(t, b.Deliver(context.Background(), core.NewEnvelope("x", core.StepRequest{StepID: id}, core.DirectionSelf)))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
	assert.Equal(t, 1, maxActive, "one envelope at a time per agent")
}

func TestBaseAgent_PublishDirections(t *testing.T) {
	tr := newFakeTransport()
	b := NewBaseAgent("a", "test")
	b.SetParent("p")
	b.AddChild("c1")
	b.AddChild("c2")

	require.NoError(t, b.Activate(context.Background(), tr))

	require.NoError(t, b.Publish(context.Background(), core.StepCompleted{StepID: "down"}, core.DirectionDown))
	assert.Equal(t, 1, tr.count("c1"))
	assert.Equal(t, 1, tr.count("c2"))
	assert.Equal(t, 0, tr.count("p"))
	assert.Equal(t, 0, tr.count("a"))

	require.NoError(t, b.Publish(context.Background(), core.StepCompleted{StepID: "up"}, core.DirectionUp))
	assert.Equal(t, 1, tr.count("p"))

	// self envelopes loop back through the transport
	require.NoError(t, b.Publish(context.Background(), core.StepCompleted{StepID: "self"}, core.DirectionSelf))
	assert.Equal(t, 1, tr.count("a"))
	assert.Equal(t, 1, tr.count("c1"))

	require.NoError(t, b.SendTo(context.Background(), "c2", core.StepRequest{StepID: "p2p"}))
	assert.Equal(t, 2, tr.count("c2"))
}

func TestBaseAgent_SelfPublishWithoutTransport(t *testing.T) {
	b := NewBaseAgent("a", "test")

	seen := make(chan string, 1)
	On(b.Pipeline(), 0, func(_ context.Context, _ core.Envelope, done core.StepCompleted) error {
		seen <- done.StepID
		return nil
	})

	require.NoError(t, b.Activate(context.Background(), nil))
	require.NoError(t, b.Publish(context.Background(), core.StepCompleted{StepID: "self"}, core.DirectionSelf))

	select {
	case id := <-seen:
		assert.Equal(t, "self", id)
	case <-time.After(time.Second):
		t.Fatal("self envelope was not handled")
	}
}

func TestBaseAgent_HandleSkipsVisitedEnvelope(t *testing.T) {
	b := NewBaseAgent("a", "test")
	calls := 0
	On(b.Pipeline(), 0, func(context.Context, core.Envelope, core.StepRequest) error {
		calls++
		return nil
	})

	env := core.NewEnvelope("b", core.StepRequest{}, core.DirectionDown).Forwarded("a")
	require.NoError(t, b.HandleEnvelope(context.Background(), env))
	assert.Equal(t, 0, calls)
}

func TestBaseAgent_DetachedPublish(t *testing.T) {
	b := NewBaseAgent("a", "test")
	b.AddChild("c")

	err := b.Publish(context.Background(), core.StepRequest{}, core.DirectionDown)
	assert.True(t, errors.Is(err, ErrDetached))
}

func TestBaseAgent_OnErrorHook(t *testing.T) {
	boom := errors.New("boom")
	seen := make(chan error, 1)

	b := NewBaseAgent("a", "test", func(o *Options) {
		o.OnError = func(_ core.Envelope, err error) { seen <- err }
	})
	On(b.Pipeline(), 0, func(context.Context, core.Envelope, core.StepRequest) error { return boom })

	require.NoError(t, b.Activate(context.Background(), newFakeTransport()))
	require.NoError(t, b.Deliver(context.Background(), core.NewEnvelope("x", core.StepRequest{}, core.DirectionSelf)))

	select {
	case err := <-seen:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("error hook not invoked")
	}
}
