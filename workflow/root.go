package workflow

import (
	"context"
	"errors"
	"maps"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/eventsourcing"
	"github.com/hupe1980/makermesh/logging"
)

// Root agent identity.
const (
	KindRoot = "root"
	RootID   = "root"
)

// Ledger event types.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
)

// Stats is the event-sourced run ledger of the root agent.
type Stats struct {
	Started    int            `json:"started"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	ByWorkflow map[string]int `json:"by_workflow,omitempty"`
}

type runEvent struct {
	RunID    string `json:"run_id"`
	Workflow string `json:"workflow"`
	Success  bool   `json:"success,omitempty"`
}

func applyRunEvent(s Stats, e eventsourcing.StateEvent) (Stats, error) {
	var ev runEvent
	if err := e.Decode(&ev); err != nil {
		return s, err
	}

	s.ByWorkflow = maps.Clone(s.ByWorkflow)
	if s.ByWorkflow == nil {
		s.ByWorkflow = map[string]int{}
	}

	switch e.Type {
	case EventRunStarted:
		s.Started++
		s.ByWorkflow[ev.Workflow]++
	case EventRunCompleted:
		if ev.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}

	return s, nil
}

// RootOptions configures a Root agent.
type RootOptions struct {
	Events           eventsourcing.Store
	Snapshots        eventsourcing.SnapshotStore
	SnapshotInterval int64
	// OnCompleted observes every WorkflowCompleted reaching the root.
	OnCompleted func(core.WorkflowCompleted)
	Logger      logging.Logger
}

// Root is the long-lived top of the agent tree. It forwards run requests to
// engine agents, records every run in an event-sourced ledger and hands
// completed runs to the orchestrator.
type Root struct {
	*agent.BaseAgent
	ledger      *eventsourcing.Behavior[Stats]
	onCompleted func(core.WorkflowCompleted)
}

// NewRoot creates an inactive root agent.
func NewRoot(id string, optFns ...func(o *RootOptions)) *Root {
	opts := RootOptions{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Events == nil {
		opts.Events = eventsourcing.NewMemoryStore()
	}

	r := &Root{
		BaseAgent: agent.NewBaseAgent(id, KindRoot, func(o *agent.Options) {
			o.Logger = opts.Logger
		}),
		onCompleted: opts.OnCompleted,
	}

	r.ledger = eventsourcing.NewBehavior(id, opts.Events, applyRunEvent, func(o *eventsourcing.BehaviorOptions) {
		o.Logger = opts.Logger
		o.SnapshotStore = opts.Snapshots

		if opts.SnapshotInterval > 0 {
			o.Snapshots = eventsourcing.NewIntervalSnapshot(opts.SnapshotInterval)
		}
	})

	agent.On(r.Pipeline(), 0, r.handleRun)
	agent.On(r.Pipeline(), 0, r.handleCompleted)

	return r
}

// Restore rebuilds the ledger from the event store. An empty history is not
// an error.
func (r *Root) Restore(ctx context.Context) (Stats, error) {
	s, err := r.ledger.Replay(ctx)
	if err != nil && !errors.Is(err, eventsourcing.ErrNotFound) {
		return Stats{}, err
	}

	return s, nil
}

// Stats returns the ledger state.
func (r *Root) Stats() Stats { return r.ledger.State() }

// Version returns the ledger version.
func (r *Root) Version() int64 { return r.ledger.CurrentVersion() }

func (r *Root) handleRun(ctx context.Context, _ core.Envelope, req core.RunRequest) error {
	r.record(ctx, EventRunStarted, runEvent{RunID: req.RunID, Workflow: req.Workflow})

	return r.SendTo(ctx, req.RunID, req)
}

func (r *Root) handleCompleted(ctx context.Context, _ core.Envelope, res core.WorkflowCompleted) error {
	r.record(ctx, EventRunCompleted, runEvent{RunID: res.RunID, Workflow: res.Workflow, Success: res.Success})

	if r.onCompleted != nil {
		r.onCompleted(res)
	}

	return nil
}

// record appends one ledger event. A failed append is logged; it never fails
// the run.
func (r *Root) record(ctx context.Context, eventType string, ev runEvent) {
	if err := r.ledger.RaiseEvent(eventType, ev); err != nil {
		r.Logger().Warn("Ledger event rejected", "type", eventType, "run_id", ev.RunID, "error", err)
		return
	}

	if err := r.ledger.ConfirmEvents(ctx); err != nil {
		if errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
			if _, rerr := r.ledger.Replay(ctx); rerr == nil {
				err = r.ledger.ConfirmEvents(ctx)
			}
		}

		if err != nil {
			r.Logger().Warn("Ledger append failed", "type", eventType, "run_id", ev.RunID, "error", err)
		}
	}
}
