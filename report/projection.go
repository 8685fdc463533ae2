package report

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/logging"
)

// DefaultBuffer is the number of envelopes queued between the tap and the
// folding goroutine.
const DefaultBuffer = 1024

// ProjectionOptions configures a Projection.
type ProjectionOptions struct {
	// Buffer is the tap queue size. Values <= 0 use DefaultBuffer.
	Buffer int
	// MaxRuns bounds how many reports are retained; the oldest finished runs
	// are evicted first. Zero keeps everything.
	MaxRuns int
	Logger  logging.Logger
}

// Projection folds workflow envelopes into RunReports. Observe is safe to
// call from runtime taps; Get and List are safe for concurrent use.
type Projection struct {
	opts    ProjectionOptions
	queue   chan core.Envelope
	dropped atomic.Int64

	mu    sync.RWMutex
	runs  map[string]*runView
	order []string
	seen  map[string]struct{}
}

// NewProjection creates an empty projection. Call Run to start folding.
func NewProjection(optFns ...func(o *ProjectionOptions)) *Projection {
	opts := ProjectionOptions{
		Buffer: DefaultBuffer,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}

	return &Projection{
		opts:  opts,
		queue: make(chan core.Envelope, opts.Buffer),
		runs:  map[string]*runView{},
		seen:  map[string]struct{}{},
	}
}

// Observe enqueues a delivered envelope. It never blocks: when the buffer is
// full the envelope is dropped and counted.
func (p *Projection) Observe(_ string, env core.Envelope) {
	if core.RunIDOf(env.Payload) == "" {
		return
	}

	select {
	case p.queue <- env:
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			p.opts.Logger.Warn("Report projection dropping envelopes", "dropped", n)
		}
	}
}

// Run folds queued envelopes until ctx is done.
func (p *Projection) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-p.queue:
			p.Apply(env)
		}
	}
}

// Apply folds one envelope synchronously. The same envelope delivered to
// several agents is applied once.
func (p *Projection) Apply(env core.Envelope) {
	runID := core.RunIDOf(env.Payload)
	if runID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if env.ID != "" {
		if _, dup := p.seen[env.ID]; dup {
			return
		}

		p.seen[env.ID] = struct{}{}
	}

	view, ok := p.runs[runID]
	if !ok {
		at := env.Timestamp
		if at.IsZero() {
			at = time.Now().UTC()
		}

		view = newRunView(runID, at)
		p.runs[runID] = view
		p.order = append(p.order, runID)
		p.evictLocked()
	}

	view.apply(env)
}

// evictLocked drops the oldest finished runs beyond MaxRuns.
func (p *Projection) evictLocked() {
	if p.opts.MaxRuns <= 0 {
		return
	}

	for i := 0; len(p.order) > p.opts.MaxRuns && i < len(p.order); {
		id := p.order[i]
		if !p.runs[id].report.Done() {
			i++
			continue
		}

		delete(p.runs, id)
		p.order = slices.Delete(p.order, i, i+1)
	}

	// Envelope ids of evicted runs are not tracked per run; reset the dedup
	// set once it grows well past what live runs need.
	if len(p.seen) > p.opts.MaxRuns*1024 {
		p.seen = map[string]struct{}{}
	}
}

// Get returns a copy of the report for runID.
func (p *Projection) Get(runID string) (RunReport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	view, ok := p.runs[runID]
	if !ok {
		return RunReport{}, false
	}

	return view.clone(), true
}

// List returns copies of all retained reports, newest first.
func (p *Projection) List() []RunReport {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]RunReport, 0, len(p.order))
	for _, id := range slices.Backward(p.order) {
		out = append(out, p.runs[id].clone())
	}

	return out
}

// Dropped returns how many envelopes were discarded because the buffer was
// full.
func (p *Projection) Dropped() int64 { return p.dropped.Load() }
