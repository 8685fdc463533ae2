// Package makermesh provides a high-level facade over the actor runtime, the
// workflow orchestrator and the run report projection. Most applications
// interact with this package by:
//  1. Creating a Mesh via New() (optionally overriding the in-memory stores)
//  2. Registering workflow definitions (YAML or JSON)
//  3. Running workflows synchronously with Run
//
// Embedders that need finer control use the runtime and workflow packages
// directly; cmd/makermesh shows the full production wiring.
package makermesh

import (
	"context"
	"sync"

	"github.com/hupe1980/makermesh/artifact"
	"github.com/hupe1980/makermesh/connector"
	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/eventsourcing"
	"github.com/hupe1980/makermesh/logging"
	"github.com/hupe1980/makermesh/memory"
	"github.com/hupe1980/makermesh/model"
	"github.com/hupe1980/makermesh/report"
	"github.com/hupe1980/makermesh/runtime"
	"github.com/hupe1980/makermesh/workflow"
)

// Options configures the Mesh instance.
type Options struct {
	// Model serves every role. Defaults to a scripted mock that echoes input.
	Model model.Model
	// Connectors are registered on a fresh executor.
	Connectors []connector.Connector

	// Stores (defaults to in-memory implementations if not provided)
	Events    eventsourcing.Store
	Manifest  runtime.ManifestStore
	Facts     core.FactStore
	Artifacts core.ArtifactStore

	// MaxModelCalls caps model calls per run. Zero means unlimited.
	MaxModelCalls int

	// Workflow tunes the orchestrator after the fields above are applied.
	Workflow func(o *workflow.Options)

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Mesh bundles a runtime, an orchestrator and a report projection.
type Mesh struct {
	rt      *runtime.Runtime
	orch    *workflow.Orchestrator
	reports *report.Projection

	startOnce sync.Once
	startErr  error
	cancel    context.CancelFunc
}

// New creates a Mesh. Any unset store is initialized in memory.
func New(optFns ...func(o *Options)) *Mesh {
	opts := Options{
		Model:     model.NewScriptedModel("mock", nil),
		Events:    eventsourcing.NewMemoryStore(),
		Manifest:  runtime.NewMemoryManifest(),
		Facts:     memory.NewInMemoryStore(),
		Artifacts: artifact.NewInMemoryStore(),
		Logger:    logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	rt := runtime.New(func(o *runtime.Options) {
		o.Manifest = opts.Manifest
		o.Logger = opts.Logger
	})

	reports := report.NewProjection(func(o *report.ProjectionOptions) { o.Logger = opts.Logger })
	rt.OnDeliver(reports.Observe)

	orch := workflow.New(rt, func(o *workflow.Options) {
		o.Model = opts.Model
		o.Connectors = connector.NewExecutor(connector.NewRegistry(opts.Connectors...), func(eo *connector.ExecutorOptions) {
			eo.Logger = opts.Logger
		})
		o.Facts = opts.Facts
		o.Artifacts = opts.Artifacts
		o.Events = opts.Events
		o.Limiter = core.NewModelLimiter(opts.MaxModelCalls)
		o.Logger = opts.Logger

		if opts.Workflow != nil {
			opts.Workflow(o)
		}
	})

	return &Mesh{rt: rt, orch: orch, reports: reports}
}

// Register parses and registers a YAML or JSON workflow definition.
func (m *Mesh) Register(definition []byte) (*workflow.Definition, error) {
	def, err := workflow.Parse(definition)
	if err != nil {
		return nil, err
	}

	if err := m.orch.Register(def); err != nil {
		return nil, err
	}

	return def, nil
}

// Start restores persisted agents and starts the report projection. Run calls
// it on first use.
func (m *Mesh) Start(ctx context.Context) error {
	m.startOnce.Do(func() {
		pctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel

		go m.reports.Run(pctx)

		m.startErr = m.orch.Start(ctx)
	})

	return m.startErr
}

// Run executes the named workflow and waits for its result.
func (m *Mesh) Run(ctx context.Context, name, input string) (*workflow.Result, error) {
	if err := m.Start(ctx); err != nil {
		return nil, err
	}

	return m.orch.Run(ctx, name, input)
}

// Report returns the read model of a run. Reports are folded asynchronously
// and may trail Run by a few deliveries.
func (m *Mesh) Report(runID string) (report.RunReport, bool) { return m.reports.Get(runID) }

// Stats returns the root ledger counters.
func (m *Mesh) Stats() workflow.Stats { return m.orch.Stats() }

// Runtime returns the underlying actor runtime.
func (m *Mesh) Runtime() *runtime.Runtime { return m.rt }

// Orchestrator returns the underlying orchestrator.
func (m *Mesh) Orchestrator() *workflow.Orchestrator { return m.orch }

// Close destroys all agents and stops the projection.
func (m *Mesh) Close(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	return m.rt.Close(ctx)
}
