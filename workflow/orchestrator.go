package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/connector"
	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/eventsourcing"
	"github.com/hupe1980/makermesh/logging"
	"github.com/hupe1980/makermesh/model"
	"github.com/hupe1980/makermesh/module"
	"github.com/hupe1980/makermesh/runtime"
	"github.com/hupe1980/makermesh/telemetry"
)

var (
	// ErrTimeout is the error text of runs that exceeded their timeout.
	ErrTimeout = errors.New("workflow: run timed out")
	// ErrUnknownWorkflow is returned when running an unregistered workflow.
	ErrUnknownWorkflow = errors.New("workflow: unknown workflow")
	// ErrNotStarted is returned by Run before Start.
	ErrNotStarted = errors.New("workflow: orchestrator not started")
)

// DefaultTimeout bounds runs whose definition sets no timeout.
const DefaultTimeout = 5 * time.Minute

// Result is the outcome of one run.
type Result struct {
	RunID    string            `json:"run_id"`
	Workflow string            `json:"workflow"`
	Output   string            `json:"output"`
	Success  bool              `json:"success"`
	Error    string            `json:"error,omitempty"`
	TimedOut bool              `json:"timed_out"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Duration time.Duration     `json:"duration"`
	// Pending is the module work left after the run; zero for every run that
	// completed normally.
	Pending int    `json:"pending"`
	Trace   *Trace `json:"trace,omitempty"`
}

// Options holds dependency and configuration overrides passed to New.
type Options struct {
	// Model serves every role without an entry in RoleModels.
	Model      model.Model
	RoleModels map[string]model.Model
	// Connectors executes connector_call steps. Nil fails those steps.
	Connectors *connector.Executor
	Facts      core.FactStore
	Artifacts  core.ArtifactStore
	// Events backs the root agent's run ledger. Defaults to an in-memory store.
	Events           eventsourcing.Store
	Snapshots        eventsourcing.SnapshotStore
	SnapshotInterval int64
	// Limiter caps model calls per run. Nil means unlimited.
	Limiter *core.ModelLimiter
	// Timeout is the run timeout used when a definition sets none.
	Timeout       time.Duration
	RoleOptions   func(role Role, o *agent.RoleAgentOptions)
	EngineOptions func(o *EngineOptions)
	Logger        logging.Logger
	Instruments   *telemetry.Instruments
}

// Orchestrator registers workflow definitions and runs them on a runtime.
// Public methods are safe for concurrent use.
type Orchestrator struct {
	rt   *runtime.Runtime
	opts Options

	mu      sync.RWMutex
	defs    map[string]*Definition
	waiters map[string]chan core.WorkflowCompleted
	traces  map[string]*traceRecorder
	root    *Root
}

// New creates an orchestrator on rt and registers the root agent factory.
func New(rt *runtime.Runtime, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		Timeout: DefaultTimeout,
		Logger:  logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Model == nil {
		opts.Model = model.NewScriptedModel("mock", nil)
	}

	if opts.Events == nil {
		opts.Events = eventsourcing.NewMemoryStore()
	}

	if opts.Instruments == nil {
		opts.Instruments = telemetry.Noop()
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	o := &Orchestrator{
		rt:      rt,
		opts:    opts,
		defs:    map[string]*Definition{},
		waiters: map[string]chan core.WorkflowCompleted{},
		traces:  map[string]*traceRecorder{},
	}

	rt.Register(KindRoot, func(id string) (runtime.Actor, error) {
		return NewRoot(id, func(ro *RootOptions) {
			ro.Events = opts.Events
			ro.Snapshots = opts.Snapshots
			ro.SnapshotInterval = opts.SnapshotInterval
			ro.OnCompleted = o.resolve
			ro.Logger = opts.Logger
		}), nil
	})

	rt.OnDeliver(o.observe)

	return o
}

// Start restores manifest agents, ensures the root agent exists and replays
// its ledger.
func (o *Orchestrator) Start(ctx context.Context) error {
	if _, err := o.rt.RestoreAll(ctx); err != nil {
		return fmt.Errorf("workflow: restore agents: %w", err)
	}

	var root *Root

	if a, err := o.rt.Get(RootID); err == nil {
		r, ok := a.(*Root)
		if !ok {
			return fmt.Errorf("workflow: agent %s is a %T, not a root", RootID, a)
		}

		root = r
	} else {
		r, err := runtime.CreateAs[*Root](ctx, o.rt, KindRoot, RootID)
		if err != nil {
			return fmt.Errorf("workflow: create root: %w", err)
		}

		root = r
	}

	stats, err := root.Restore(ctx)
	if err != nil {
		return fmt.Errorf("workflow: replay ledger: %w", err)
	}

	o.mu.Lock()
	o.root = root
	o.mu.Unlock()

	o.opts.Logger.Info("Orchestrator started", "runs_started", stats.Started, "ledger_version", root.Version())

	return nil
}

// Register adds or replaces a definition after validating it.
func (o *Orchestrator) Register(def *Definition) error {
	def.normalize()

	if err := def.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	o.defs[def.Name] = def
	o.mu.Unlock()

	return nil
}

// Definition returns a registered definition.
func (o *Orchestrator) Definition(name string) (*Definition, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	def, ok := o.defs[name]

	return def, ok
}

// Workflows lists the registered workflow names in order.
func (o *Orchestrator) Workflows() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	names := make([]string, 0, len(o.defs))
	for name := range o.defs {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// Stats returns the root agent's run ledger.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.root == nil {
		return Stats{}
	}

	return o.root.Stats()
}

// RunWorkflow implements module.WorkflowRunner for workflow_call steps.
func (o *Orchestrator) RunWorkflow(ctx context.Context, name, input string) (core.WorkflowCompleted, error) {
	res, err := o.Run(ctx, name, input)
	if err != nil {
		return core.WorkflowCompleted{}, err
	}

	return core.WorkflowCompleted{
		RunID:    res.RunID,
		Workflow: res.Workflow,
		Output:   res.Output,
		Success:  res.Success,
		Error:    res.Error,
		Metadata: res.Metadata,
	}, nil
}

// Run executes the named workflow and blocks until it completes, times out
// or ctx is canceled. Step failures and timeouts are reported in the Result;
// the error is reserved for runs that could not be started.
func (o *Orchestrator) Run(ctx context.Context, name, input string) (*Result, error) {
	def, ok := o.Definition(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}

	o.mu.RLock()
	started := o.root != nil
	o.mu.RUnlock()

	if !started {
		return nil, ErrNotStarted
	}

	timeout, err := def.TimeoutOr(o.opts.Timeout)
	if err != nil {
		return nil, err
	}

	runID := "run-" + core.NewID()
	start := time.Now()

	ctx, span := o.opts.Instruments.StartRun(ctx, name, runID)
	defer span.End()

	logger := logging.Mesh(o.opts.Logger).WithRun(name, runID)

	trace := newTraceRecorder(runID, name)
	waiter := make(chan core.WorkflowCompleted, 1)

	o.mu.Lock()
	o.traces[runID] = trace
	o.waiters[runID] = waiter
	o.mu.Unlock()

	env := &module.Env{
		Workflow:    name,
		Callers:     module.CallersFrom(ctx),
		DefaultRole: def.DefaultRole(),
		Roles:       make(map[string]module.RoleInfo, len(def.Roles)),
		Connectors:  o.opts.Connectors,
		Facts:       o.opts.Facts,
		Artifacts:   o.opts.Artifacts,
		Workflows:   o,
		Logger:      logger,
		Instruments: o.opts.Instruments,
	}

	for _, r := range def.Roles {
		env.Roles[r.ID] = module.RoleInfo{AgentID: roleAgentID(runID, r.ID), Connectors: r.Connectors}
	}

	engine := NewEngine(runID, def, env, module.All(env), func(eo *EngineOptions) {
		eo.Logger = logger

		if o.opts.EngineOptions != nil {
			o.opts.EngineOptions(eo)
		}
	})

	spawned, err := o.spawn(ctx, def, engine, logger)

	defer o.cleanup(context.WithoutCancel(ctx), runID, spawned)

	if err != nil {
		return nil, err
	}

	if err := o.rt.Send(ctx, RootID, core.NewEnvelope(RootID, core.RunRequest{RunID: runID, Workflow: name, Input: input}, core.DirectionSelf)); err != nil {
		return nil, fmt.Errorf("workflow: start run: %w", err)
	}

	res := &Result{RunID: runID, Workflow: name}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case done := <-waiter:
		res.Output = done.Output
		res.Success = done.Success
		res.Error = done.Error
		res.Metadata = done.Metadata
	case <-timer.C:
		res.Error = ErrTimeout.Error()
		res.TimedOut = true
	case <-ctx.Done():
		res.Error = fmt.Sprintf("workflow: run canceled: %v", ctx.Err())
	}

	res.Duration = time.Since(start)
	res.Pending = engine.Pending()

	for _, top := range o.topologies(spawned) {
		trace.topology(top)
	}

	res.Trace = trace.snapshot()

	span.SetAttributes(
		attribute.Bool("workflow.success", res.Success),
		attribute.Bool("workflow.timed_out", res.TimedOut),
	)

	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	}

	var runErr error
	if !res.Success {
		runErr = errors.New(res.Error)
	}

	logger.LogWorkflowRun(name, len(res.Trace.Steps), res.Duration, res.Success, runErr)
	o.opts.Instruments.RecordRun(ctx, name, res.Success, res.TimedOut)

	return res, nil
}

func roleAgentID(runID, roleID string) string { return runID + "/" + roleID }

// spawn hosts the engine below the root and one role agent per role below the
// engine. It returns the ids hosted so far, engine first.
func (o *Orchestrator) spawn(ctx context.Context, def *Definition, engine *Engine, logger logging.Logger) ([]string, error) {
	var ids []string

	if err := o.rt.Spawn(ctx, engine); err != nil {
		return ids, fmt.Errorf("workflow: spawn engine: %w", err)
	}

	ids = append(ids, engine.ID())

	if err := o.rt.Link(ctx, RootID, engine.ID()); err != nil {
		return ids, fmt.Errorf("workflow: link engine: %w", err)
	}

	for _, r := range def.Roles {
		llm := o.opts.Model
		if m, ok := o.opts.RoleModels[r.ID]; ok {
			llm = m
		}

		role := agent.NewRoleAgent(roleAgentID(engine.ID(), r.ID), r.ID, llm, func(ro *agent.RoleAgentOptions) {
			if r.Name != "" {
				ro.Name = r.Name
			}

			if r.SystemPrompt != "" {
				ro.Instruction = agent.NewInstructionFromText(r.SystemPrompt)
			}

			ro.AllowedConnects = r.Connectors
			ro.Limiter = o.opts.Limiter
			ro.Logger = logger

			if o.opts.RoleOptions != nil {
				o.opts.RoleOptions(r, ro)
			}
		})

		if err := o.rt.Spawn(ctx, role); err != nil {
			return ids, fmt.Errorf("workflow: spawn role %s: %w", r.ID, err)
		}

		ids = append(ids, role.ID())

		if err := o.rt.Link(ctx, engine.ID(), role.ID()); err != nil {
			return ids, fmt.Errorf("workflow: link role %s: %w", r.ID, err)
		}
	}

	return ids, nil
}

func (o *Orchestrator) topologies(ids []string) []core.Topology {
	out := make([]core.Topology, 0, len(ids))

	for _, id := range ids {
		if a, err := o.rt.Get(id); err == nil {
			out = append(out, a.Topology())
		}
	}

	return out
}

// cleanup destroys the run's agents, children first, and drops per-run state.
func (o *Orchestrator) cleanup(ctx context.Context, runID string, ids []string) {
	for _, id := range slices.Backward(ids) {
		if err := o.rt.Destroy(ctx, id); err != nil {
			o.opts.Logger.Warn("Run agent cleanup failed", "run_id", runID, "agent_id", id, "error", err)
		}
	}

	if o.opts.Limiter != nil {
		o.opts.Limiter.Forget(runID)
	}

	o.mu.Lock()
	delete(o.waiters, runID)
	delete(o.traces, runID)
	o.mu.Unlock()
}

// resolve wakes the Run call waiting for res. Late results are dropped.
func (o *Orchestrator) resolve(res core.WorkflowCompleted) {
	o.mu.RLock()
	waiter, ok := o.waiters[res.RunID]
	o.mu.RUnlock()

	if !ok {
		o.opts.Logger.Debug("Result for unknown run dropped", "run_id", res.RunID)
		return
	}

	select {
	case waiter <- res:
	default:
	}
}

// observe feeds runtime deliveries into the trace of their run.
func (o *Orchestrator) observe(agentID string, env core.Envelope) {
	runID := core.RunIDOf(env.Payload)
	if runID == "" {
		return
	}

	o.mu.RLock()
	t, ok := o.traces[runID]
	o.mu.RUnlock()

	if ok {
		t.observe(agentID, env)
	}
}
