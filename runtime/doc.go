// Package runtime hosts agents: it owns the live agent table, creates and
// destroys agents from registered factories, keeps parent/child edges
// consistent on both sides, restores agents from a persisted manifest and
// delivers envelopes between mailboxes.
//
// # Lifecycle
//
//	rt := runtime.New(func(o *runtime.Options) { o.Logger = logger })
//	rt.Register("worker", newWorker)
//
//	w, err := rt.Create(ctx, "worker", "")
//	_ = rt.Link(ctx, parent.ID(), w.ID())
//	_ = rt.Publish(ctx, parent.ID(), payload, core.DirectionDown)
//	_ = rt.Destroy(ctx, w.ID())
//
// Agents created through factories are recorded in the manifest. Agents
// hosted with Spawn are transient and never restored.
package runtime
