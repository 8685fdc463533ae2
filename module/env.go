package module

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/connector"
	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/internal/util"
	"github.com/hupe1980/makermesh/logging"
	"github.com/hupe1980/makermesh/telemetry"
)

// StepModule is an agent.Module that owns one or more step types.
type StepModule interface {
	agent.Module
	// StepTypes lists the canonical step types handled by the module.
	StepTypes() []string
	// Pending returns the number of live correlation entries or in-flight calls.
	Pending() int
}

// RoleInfo describes a workflow role as seen by the modules of one run.
type RoleInfo struct {
	AgentID    string
	Connectors []string
}

// WorkflowRunner runs a named workflow to completion.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, name, input string) (core.WorkflowCompleted, error)
}

// Env carries the collaborators shared by the modules of one engine agent.
type Env struct {
	Workflow    string
	// Callers lists the workflows whose workflow_call steps led to this run,
	// outermost first.
	Callers     []string
	DefaultRole string
	Roles       map[string]RoleInfo
	Connectors  *connector.Executor
	Facts       core.FactStore
	Artifacts   core.ArtifactStore
	Workflows   WorkflowRunner
	Logger      logging.Logger
	Instruments *telemetry.Instruments
}

type callersKey struct{}

// WithCallers returns a context carrying the workflow call chain.
func WithCallers(ctx context.Context, callers []string) context.Context {
	return context.WithValue(ctx, callersKey{}, callers)
}

// CallersFrom returns the workflow call chain carried by ctx.
func CallersFrom(ctx context.Context) []string {
	callers, _ := ctx.Value(callersKey{}).([]string)
	return callers
}

func (e *Env) logger() logging.Logger {
	if e.Logger == nil {
		return logging.NoOpLogger{}
	}

	return e.Logger
}

func (e *Env) instruments() *telemetry.Instruments {
	if e.Instruments == nil {
		return telemetry.Noop()
	}

	return e.Instruments
}

// ResolveWorker maps a role id to its agent id. Unknown names are returned as is.
func (e *Env) ResolveWorker(name string) string {
	if r, ok := e.Roles[name]; ok {
		return r.AgentID
	}

	return name
}

// Dispatch emits a step request from host. llm_call steps go to role agents:
// point-to-point when WorkerID is set, otherwise down to the children where the
// role with the matching TargetRole picks it up. Every other step type loops
// back into host's own pipeline.
func (e *Env) Dispatch(ctx context.Context, host agent.Host, req core.StepRequest) error {
	req.StepType = core.CanonicalStepType(req.StepType)

	if req.StepType != core.StepLLMCall {
		return host.Publish(ctx, req, core.DirectionSelf)
	}

	if req.TargetRole == "" {
		req.TargetRole = e.DefaultRole
	}

	if req.WorkerID != "" {
		return host.SendTo(ctx, e.ResolveWorker(req.WorkerID), req)
	}

	return host.Publish(ctx, req, core.DirectionDown)
}

// Complete publishes done into host's own pipeline.
func (e *Env) Complete(ctx context.Context, host agent.Host, done core.StepCompleted) error {
	return host.Publish(ctx, done, core.DirectionSelf)
}

// base is embedded by every module.
type base struct {
	name     string
	priority int
	types    []string
	env      *Env
}

func (b base) Name() string        { return b.name }
func (b base) Priority() int       { return b.priority }
func (b base) StepTypes() []string { return b.types }

// request returns the step request carried by env when its type is one of b.types.
func (b base) request(env core.Envelope) (core.StepRequest, bool) {
	req, ok := env.Payload.(core.StepRequest)
	if !ok {
		return core.StepRequest{}, false
	}

	t := core.CanonicalStepType(req.StepType)
	for _, want := range b.types {
		if t == want {
			return req, true
		}
	}

	return core.StepRequest{}, false
}

// finish records and publishes a completion.
func (b base) finish(ctx context.Context, host agent.Host, done core.StepCompleted, started time.Time) error {
	dur := time.Since(started)

	var err error
	if !done.Success {
		err = errorString(done.Error)
	}

	logging.Mesh(b.env.logger()).LogStep(done.StepID, done.StepType, dur, done.Success, err)
	b.env.instruments().RecordStep(ctx, done.StepType, done.Success, dur)

	return b.env.Complete(ctx, host, done)
}

type errorString string

func (e errorString) Error() string { return string(e) }

// render evaluates a parameter template against the step request.
func render(req core.StepRequest, text string) (string, error) {
	return util.RenderTemplate(text, agent.StepData(req))
}

// inflight counts asynchronous calls started by a module.
type inflight struct {
	mu sync.Mutex
	n  int
}

func (f *inflight) add(d int) {
	f.mu.Lock()
	f.n += d
	f.mu.Unlock()
}

func (f *inflight) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.n
}

// correlation joins asynchronous sub-step completions back to the step that
// spawned them.
type correlation[S any] struct {
	mu     sync.Mutex
	nodes  map[string]*S
	owners map[string]string
}

func newCorrelation[S any]() *correlation[S] {
	return &correlation[S]{nodes: map[string]*S{}, owners: map[string]string{}}
}

// open registers a node. It returns false if the id is already known.
func (c *correlation[S]) open(id string, s *S) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.nodes[id]; exists {
		return false
	}

	c.nodes[id] = s

	return true
}

func (c *correlation[S]) bind(subID, nodeID string) {
	c.mu.Lock()
	c.owners[subID] = nodeID
	c.mu.Unlock()
}

func (c *correlation[S]) unbind(subID string) {
	c.mu.Lock()
	delete(c.owners, subID)
	c.mu.Unlock()
}

func (c *correlation[S]) owns(subID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.owners[subID]

	return ok
}

// owner resolves the node that spawned subID.
func (c *correlation[S]) owner(subID string) (string, *S, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.owners[subID]
	if !ok {
		return "", nil, false
	}

	s, ok := c.nodes[id]

	return id, s, ok
}

// close drops a node and every sub-step bound to it.
func (c *correlation[S]) close(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.nodes, id)

	for sub, owner := range c.owners {
		if owner == id {
			delete(c.owners, sub)
		}
	}
}

func (c *correlation[S]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.nodes) + len(c.owners)
}

// completion returns the StepCompleted carried by env.
func completion(env core.Envelope) (core.StepCompleted, bool) {
	done, ok := env.Payload.(core.StepCompleted)
	return done, ok
}

func joinNonEmpty(parts []string, sep string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}

	return strings.Join(out, sep)
}
