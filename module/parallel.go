package module

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/connector"
	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/voting"
)

// DefaultParallelCount is the fan-out used when neither workers nor
// parallel_count is given.
const DefaultParallelCount = 3

// Metadata keys set on parallel completions.
const (
	MetaParallelCount      = "parallel.count"
	MetaParallelUsedVote   = "parallel.used_vote"
	MetaParallelVoteStep   = "parallel.vote_step_id"
	MetaParallelWorkersOK  = "parallel.workers_success"
	MetaParallelFailedSubs = "parallel.failed_workers"
)

type fanOut struct {
	req        core.StepRequest
	started    time.Time
	expected   int
	results    []*core.StepCompleted
	collected  int
	voteType   string
	voteStepID string
	workersOK  bool
}

// Parallel fans one step out to N llm_call sub-steps, merges their outputs
// and optionally hands the merged text to a vote step.
//
// Parameters: workers (csv of role or agent ids, point-to-point), parallel_count
// (default 3, used without workers), vote_step_type (vote or maker_vote; empty
// disables voting), delimiter (merge separator, default "\n---\n").
type Parallel struct {
	base
	runs *correlation[fanOut]
}

// NewParallel creates the parallel module.
func NewParallel(env *Env) *Parallel {
	return &Parallel{
		base: base{name: "parallel", types: []string{core.StepParallel}, env: env},
		runs: newCorrelation[fanOut](),
	}
}

func (m *Parallel) CanHandle(env core.Envelope) bool {
	if _, ok := m.request(env); ok {
		return true
	}

	done, ok := completion(env)

	return ok && m.runs.owns(done.StepID)
}

func (m *Parallel) Handle(ctx context.Context, env core.Envelope, host agent.Host) error {
	if req, ok := m.request(env); ok {
		return m.start(ctx, host, req)
	}

	done, _ := completion(env)

	return m.collect(ctx, host, done)
}

func (m *Parallel) start(ctx context.Context, host agent.Host, req core.StepRequest) error {
	workers := connector.SplitList(req.Param("workers", ""))

	count := len(workers)
	if count == 0 {
		count = req.IntParam("parallel_count", DefaultParallelCount)
	}

	if count < 1 {
		return m.finish(ctx, host, core.Failed(req, "parallel: parallel_count must be at least 1", nil), time.Now())
	}

	state := &fanOut{
		req:       req,
		started:   time.Now(),
		expected:  count,
		results:   make([]*core.StepCompleted, count),
		voteType:  core.CanonicalStepType(req.Param("vote_step_type", "")),
		workersOK: true,
	}

	if !m.runs.open(req.StepID, state) {
		m.env.logger().Debug("Duplicate parallel request ignored", "step_id", req.StepID)
		return nil
	}

	subs := make([]core.StepRequest, count)
	for i := range subs {
		sub := req.Derive(fmt.Sprintf("_sub_%d", i), core.StepLLMCall, req.Input, nil)
		if len(workers) > 0 {
			sub.WorkerID = m.env.ResolveWorker(workers[i])
		}

		subs[i] = sub
		m.runs.bind(sub.StepID, req.StepID)
	}

	for _, sub := range subs {
		if err := m.env.Dispatch(ctx, host, sub); err != nil {
			m.runs.close(req.StepID)
			return m.finish(ctx, host, core.Failed(req, fmt.Sprintf("parallel: dispatch %s: %v", sub.StepID, err), nil), state.started)
		}
	}

	return nil
}

func (m *Parallel) collect(ctx context.Context, host agent.Host, done core.StepCompleted) error {
	parentID, state, ok := m.runs.owner(done.StepID)
	if !ok {
		return nil
	}

	if state.voteStepID != "" && done.StepID == state.voteStepID {
		return m.finalizeVote(ctx, host, parentID, state, done)
	}

	idx, ok := subIndex(parentID, "_sub_", done.StepID)
	if !ok || idx >= state.expected || state.results[idx] != nil {
		return nil
	}

	state.results[idx] = &done
	state.collected++
	m.runs.unbind(done.StepID)

	if state.collected < state.expected {
		return nil
	}

	outputs := make([]string, state.expected)
	failed := 0

	for i, r := range state.results {
		outputs[i] = r.Output

		if !r.Success {
			state.workersOK = false
			failed++
		}
	}

	delimiter := state.req.Param("delimiter", voting.DefaultDelimiter)
	merged := joinNonEmpty(outputs, delimiter)

	if state.voteType == "" {
		md := map[string]string{
			MetaParallelCount:      strconv.Itoa(state.expected),
			MetaParallelUsedVote:   "false",
			MetaParallelWorkersOK:  strconv.FormatBool(state.workersOK),
			MetaParallelFailedSubs: strconv.Itoa(failed),
		}

		var out core.StepCompleted
		if state.workersOK {
			out = core.Succeeded(state.req, merged, md)
		} else {
			out = core.Failed(state.req, firstError(state.results), md)
			out.Output = merged
		}

		m.runs.close(parentID)

		return m.finish(ctx, host, out, state.started)
	}

	vote := state.req.Derive("_vote", state.voteType, merged, map[string]string{"delimiter": delimiter})
	state.voteStepID = vote.StepID
	m.runs.bind(vote.StepID, parentID)

	if err := m.env.Dispatch(ctx, host, vote); err != nil {
		m.runs.close(parentID)
		return m.finish(ctx, host, core.Failed(state.req, fmt.Sprintf("parallel: dispatch vote: %v", err), nil), state.started)
	}

	return nil
}

func (m *Parallel) finalizeVote(ctx context.Context, host agent.Host, parentID string, state *fanOut, vote core.StepCompleted) error {
	md := make(map[string]string, len(vote.Metadata)+4)
	for k, v := range vote.Metadata {
		md[k] = v
	}

	md[MetaParallelCount] = strconv.Itoa(state.expected)
	md[MetaParallelUsedVote] = "true"
	md[MetaParallelVoteStep] = vote.StepID
	md[MetaParallelWorkersOK] = strconv.FormatBool(state.workersOK)

	out := core.StepCompleted{
		StepID:   state.req.StepID,
		StepType: state.req.StepType,
		RunID:    state.req.RunID,
		Output:   vote.Output,
		Success:  state.workersOK && vote.Success,
		Metadata: md,
	}

	if !out.Success {
		out.Error = vote.Error
		if out.Error == "" {
			out.Error = firstError(state.results)
		}
	}

	m.runs.close(parentID)

	return m.finish(ctx, host, out, state.started)
}

func (m *Parallel) Pending() int { return m.runs.len() }

func subIndex(parentID, infix, stepID string) (int, bool) {
	rest, ok := strings.CutPrefix(stepID, parentID+infix)
	if !ok {
		return 0, false
	}

	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}

	return n, true
}

func firstError(results []*core.StepCompleted) string {
	for _, r := range results {
		if r != nil && !r.Success {
			if r.Error != "" {
				return r.Error
			}

			return fmt.Sprintf("sub-step %s failed", r.StepID)
		}
	}

	return "sub-step failed"
}
