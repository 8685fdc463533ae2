package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/internal/util"
	"github.com/hupe1980/makermesh/logging"
	"github.com/hupe1980/makermesh/model"
)

// KindRole is the runtime type name of RoleAgent.
const KindRole = "role"

// RoleAgentOptions configures a RoleAgent instance.
//
// Use functional options with NewRoleAgent to override defaults.
type RoleAgentOptions struct {
	Name            string
	Instruction     Instruction
	AllowedConnects []string
	EnableStreaming bool
	CallTimeout     time.Duration
	MaxConcurrency  int
	Limiter         *core.ModelLimiter
	Logger          logging.Logger
}

// RoleAgent is an LLM-backed workflow worker. It answers llm_call step
// requests addressed to its role (or to its id point-to-point) by calling the
// model with the role's system prompt, then publishes the StepCompleted up to
// its parent. Model calls run off the mailbox so one role can serve several
// fan-out workers concurrently, bounded by MaxConcurrency.
type RoleAgent struct {
	*BaseAgent
	roleID      string
	name        string
	llm         model.Model
	instruction Instruction
	connectors  []string
	streaming   bool
	callTimeout time.Duration
	limiter     *core.ModelLimiter
	slots       chan struct{}
}

// NewRoleAgent creates a role worker with sensible defaults:
//   - instruction "You are <name>."
//   - streaming enabled
//   - two minute call timeout
//   - four concurrent model calls
func NewRoleAgent(id, roleID string, llm model.Model, optFns ...func(o *RoleAgentOptions)) *RoleAgent {
	opts := RoleAgentOptions{
		Name:            roleID,
		EnableStreaming: true,
		CallTimeout:     2 * time.Minute,
		MaxConcurrency:  4,
		Logger:          logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Instruction.IsStatic() && opts.Instruction.text == "" {
		opts.Instruction = NewInstructionFromText(fmt.Sprintf("You are %s.", opts.Name))
	}

	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}

	a := &RoleAgent{
		BaseAgent: NewBaseAgent(id, KindRole, func(o *Options) {
			o.Logger = opts.Logger
		}),
		roleID:      roleID,
		name:        opts.Name,
		llm:         llm,
		instruction: opts.Instruction,
		connectors:  opts.AllowedConnects,
		streaming:   opts.EnableStreaming,
		callTimeout: opts.CallTimeout,
		limiter:     opts.Limiter,
		slots:       make(chan struct{}, opts.MaxConcurrency),
	}

	On(a.Pipeline(), 0, a.handleStep)

	return a
}

// RoleID returns the workflow role this agent serves.
func (a *RoleAgent) RoleID() string { return a.roleID }

// AllowedConnectors returns the role-scoped connector allowlist.
func (a *RoleAgent) AllowedConnectors() []string { return a.connectors }

// Accepts reports whether req is addressed to this agent.
func (a *RoleAgent) Accepts(req core.StepRequest) bool {
	if core.CanonicalStepType(req.StepType) != core.StepLLMCall {
		return false
	}

	if req.WorkerID != "" {
		return req.WorkerID == a.ID()
	}

	return req.TargetRole == a.roleID
}

func (a *RoleAgent) handleStep(ctx context.Context, _ core.Envelope, req core.StepRequest) error {
	if !a.Accepts(req) {
		return nil
	}

	select {
	case a.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	go func() {
		defer func() { <-a.slots }()

		done := a.execute(ctx, req)
		if err := a.Publish(ctx, done, core.DirectionUp); err != nil {
			a.Logger().Error("Publishing step completion failed", "agent_id", a.ID(), "step_id", req.StepID, "error", err)
		}
	}()

	return nil
}

func (a *RoleAgent) execute(ctx context.Context, req core.StepRequest) core.StepCompleted {
	start := time.Now()
	md := map[string]string{
		"llm.role":  a.roleID,
		"llm.model": a.llm.Info().Name,
	}

	out, err := a.call(ctx, req)

	md["llm.duration_ms"] = fmt.Sprintf("%d", time.Since(start).Milliseconds())

	var done core.StepCompleted
	if err != nil {
		done = core.Failed(req, err.Error(), md)
	} else {
		done = core.Succeeded(req, out, md)
	}

	done.WorkerID = a.ID()

	a.Logger().Debug("Role step finished", "agent_id", a.ID(), "step_id", req.StepID, "success", done.Success)

	return done
}

func (a *RoleAgent) call(ctx context.Context, req core.StepRequest) (string, error) {
	if a.limiter != nil {
		if err := a.limiter.Increment(req.RunID); err != nil {
			return "", err
		}
	}

	system, err := a.instruction.Resolve(ctx, req)
	if err != nil {
		return "", fmt.Errorf("resolve instruction: %w", err)
	}

	prompt := req.Input
	if tmpl := req.Param("prompt", ""); tmpl != "" {
		if prompt, err = util.RenderTemplate(tmpl, StepData(req)); err != nil {
			return "", fmt.Errorf("render prompt: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	resp, err := model.Collect(callCtx, a.llm, model.Request{
		SessionID:    req.RunID + ":" + req.StepID,
		Instructions: system,
		Contents:     []core.Content{core.NewTextContent("user", prompt)},
		Stream:       a.streaming,
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return "", fmt.Errorf("model call timed out after %s", a.callTimeout)
		}

		return "", err
	}

	return resp.Content.Text(), nil
}
