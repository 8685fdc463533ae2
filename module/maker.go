package module

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/voting"
)

// MAKER defaults.
const (
	DefaultMaxDepth    = 3
	DefaultMaxSubtasks = 4
)

// MAKER stages, also reported as maker.stage.
const (
	StageAtomic    = "atomic"
	StageDecompose = "decompose"
	StageSolve     = "solve"
	StageChildren  = "children"
	StageCompose   = "compose"
	StageLeaf      = "leaf"
	StageComposed  = "composed"
)

// Atomic decisions reported as maker.atomic_decision.
const (
	DecisionAtomic     = "atomic"
	DecisionDecompose  = "decompose"
	DecisionDepthLimit = "depth_limit"
)

// Metadata keys set on maker_recursive completions.
const (
	MetaMakerRecursive  = "maker.recursive"
	MetaMakerDepth      = "maker.depth"
	MetaMakerMaxDepth   = "maker.max_depth"
	MetaMakerDecision   = "maker.atomic_decision"
	MetaMakerChildCount = "maker.child_count"
	MetaMakerStage      = "maker.stage"
	MetaMakerDegenerate = "maker.degenerate_split"
)

const (
	defaultAtomicPrompt = "Decide whether the following task can be solved directly in a single step. " +
		"Answer ATOMIC if it can, or DECOMPOSE if it should be split into smaller subtasks.\n\nTask: {{.input}}"
	defaultDecomposePrompt = "Split the following task into 2 to {{.params.max_subtasks}} smaller, independent subtasks. " +
		"Reply with one subtask per line and nothing else.\n\nTask: {{.input}}"
	defaultSolvePrompt   = "Solve the following task. Reply with the answer only.\n\nTask: {{.input}}"
	defaultComposePrompt = "Combine the partial results below into one coherent answer to the original task.\n\n" +
		"Original task: {{.params.task}}\n\nPartial results:\n{{.input}}"
)

type makerNode struct {
	req         core.StepRequest
	started     time.Time
	depth       int
	maxDepth    int
	maxSubtasks int
	delimiter   string
	decision    string
	degenerate  bool
	stageID     string
	stage       string
	children    []string
	results     map[string]core.StepCompleted
}

// MakerRecursive solves a task by recursive decomposition with voting at
// every stage. Each node votes on atomicity, then either votes on a direct
// solution (leaf) or votes on a split, recurses into one child node per
// subtask and votes on a composition of the child answers (composed).
// At depth >= max_depth the atomicity vote still runs but the node always
// solves directly (atomic_decision depth_limit).
//
// Stages fan out through parallel_step_type (default parallel) with
// vote_step_type (default maker_vote); worker lists per stage come from
// atomic_workers, decompose_workers, solve_workers and compose_workers.
type MakerRecursive struct {
	base
	nodes *correlation[makerNode]
}

// NewMakerRecursive creates the maker_recursive module.
func NewMakerRecursive(env *Env) *MakerRecursive {
	return &MakerRecursive{
		base:  base{name: "maker_recursive", types: []string{core.StepMakerRecursive}, env: env},
		nodes: newCorrelation[makerNode](),
	}
}

func (m *MakerRecursive) CanHandle(env core.Envelope) bool {
	if _, ok := m.request(env); ok {
		return true
	}

	done, ok := completion(env)

	return ok && m.nodes.owns(done.StepID)
}

func (m *MakerRecursive) Handle(ctx context.Context, env core.Envelope, host agent.Host) error {
	if req, ok := m.request(env); ok {
		return m.start(ctx, host, req)
	}

	done, _ := completion(env)

	nodeID, node, ok := m.nodes.owner(done.StepID)
	if !ok {
		return nil
	}

	m.nodes.unbind(done.StepID)

	if done.StepID == node.stageID {
		return m.stageDone(ctx, host, nodeID, node, done)
	}

	return m.childDone(ctx, host, nodeID, node, done)
}

func (m *MakerRecursive) Pending() int { return m.nodes.len() }

func (m *MakerRecursive) start(ctx context.Context, host agent.Host, req core.StepRequest) error {
	node := &makerNode{
		req:         req,
		started:     time.Now(),
		depth:       max(req.IntParam("depth", 0), 0),
		maxDepth:    req.IntParam("max_depth", DefaultMaxDepth),
		maxSubtasks: max(req.IntParam("max_subtasks", DefaultMaxSubtasks), 2),
		delimiter:   req.Param("delimiter", voting.DefaultDelimiter),
		results:     map[string]core.StepCompleted{},
	}

	if !m.nodes.open(req.StepID, node) {
		m.env.logger().Debug("Duplicate maker request ignored", "step_id", req.StepID)
		return nil
	}

	return m.runStage(ctx, host, node, StageAtomic, req.Input)
}

// runStage dispatches one voted stage for node.
func (m *MakerRecursive) runStage(ctx context.Context, host agent.Host, node *makerNode, stage, input string) error {
	req := node.req

	params := map[string]string{
		"prompt":         req.Param(stage+"_prompt", defaultPrompt(stage)),
		"workers":        req.Param(stage+"_workers", ""),
		"vote_step_type": req.Param("vote_step_type", core.StepMakerVote),
		"delimiter":      node.delimiter,
		"max_subtasks":   strconv.Itoa(node.maxSubtasks),
		"task":           req.Input,
	}

	sub := req.Derive("_"+stage, req.Param("parallel_step_type", core.StepParallel), input, params)

	node.stage = stage
	node.stageID = sub.StepID
	m.nodes.bind(sub.StepID, req.StepID)

	if err := m.env.Dispatch(ctx, host, sub); err != nil {
		return m.fail(ctx, host, node, stage, nil, fmt.Sprintf("maker: dispatch %s: %v", stage, err))
	}

	return nil
}

func defaultPrompt(stage string) string {
	switch stage {
	case StageAtomic:
		return defaultAtomicPrompt
	case StageDecompose:
		return defaultDecomposePrompt
	case StageCompose:
		return defaultComposePrompt
	default:
		return defaultSolvePrompt
	}
}

func (m *MakerRecursive) stageDone(ctx context.Context, host agent.Host, nodeID string, node *makerNode, done core.StepCompleted) error {
	if !done.Success {
		return m.fail(ctx, host, node, node.stage, done.Metadata, stageError(node.stage, done))
	}

	switch node.stage {
	case StageAtomic:
		switch {
		case node.depth >= node.maxDepth:
			node.decision = DecisionDepthLimit
		case IsAtomic(done.Output):
			node.decision = DecisionAtomic
		default:
			node.decision = DecisionDecompose
			return m.runStage(ctx, host, node, StageDecompose, node.req.Input)
		}

		return m.runStage(ctx, host, node, StageSolve, node.req.Input)
	case StageDecompose:
		subtasks := ParseSubtasks(done.Output, node.delimiter, node.maxSubtasks)
		if Degenerate(node.req.Input, subtasks) {
			node.degenerate = true

			m.env.logger().Debug("Degenerate split, solving directly", "step_id", nodeID, "subtasks", len(subtasks))

			return m.runStage(ctx, host, node, StageSolve, node.req.Input)
		}

		return m.spawnChildren(ctx, host, node, subtasks)
	case StageSolve:
		return m.succeed(ctx, host, node, StageLeaf, done)
	case StageCompose:
		return m.succeed(ctx, host, node, StageComposed, done)
	default:
		return m.fail(ctx, host, node, node.stage, nil, fmt.Sprintf("maker: unexpected stage %q", node.stage))
	}
}

func (m *MakerRecursive) spawnChildren(ctx context.Context, host agent.Host, node *makerNode, subtasks []string) error {
	node.stage = StageChildren
	node.stageID = ""

	children := make([]core.StepRequest, len(subtasks))
	for i, task := range subtasks {
		child := node.req.Derive(fmt.Sprintf("_child_%d", i), core.StepMakerRecursive, task, map[string]string{
			"depth": strconv.Itoa(node.depth + 1),
		})

		children[i] = child
		node.children = append(node.children, child.StepID)
		m.nodes.bind(child.StepID, node.req.StepID)
	}

	for _, child := range children {
		if err := m.env.Dispatch(ctx, host, child); err != nil {
			return m.fail(ctx, host, node, StageChildren, nil, fmt.Sprintf("maker: dispatch %s: %v", child.StepID, err))
		}
	}

	return nil
}

func (m *MakerRecursive) childDone(ctx context.Context, host agent.Host, _ string, node *makerNode, done core.StepCompleted) error {
	node.results[done.StepID] = done

	if len(node.results) < len(node.children) {
		return nil
	}

	outputs := make([]string, 0, len(node.children))

	for _, id := range node.children {
		r := node.results[id]
		if !r.Success {
			return m.fail(ctx, host, node, StageChildren, nil, stageError("child "+id, r))
		}

		outputs = append(outputs, r.Output)
	}

	return m.runStage(ctx, host, node, StageCompose, strings.Join(outputs, node.delimiter))
}

func (m *MakerRecursive) succeed(ctx context.Context, host agent.Host, node *makerNode, stage string, done core.StepCompleted) error {
	out := core.Succeeded(node.req, done.Output, m.metadata(node, stage, done.Metadata))
	m.nodes.close(node.req.StepID)

	return m.finish(ctx, host, out, node.started)
}

func (m *MakerRecursive) fail(ctx context.Context, host agent.Host, node *makerNode, stage string, md map[string]string, msg string) error {
	out := core.Failed(node.req, msg, m.metadata(node, stage, md))
	m.nodes.close(node.req.StepID)

	return m.finish(ctx, host, out, node.started)
}

func (m *MakerRecursive) metadata(node *makerNode, stage string, from map[string]string) map[string]string {
	md := make(map[string]string, len(from)+7)
	for k, v := range from {
		md[k] = v
	}

	md[MetaMakerRecursive] = "true"
	md[MetaMakerDepth] = strconv.Itoa(node.depth)
	md[MetaMakerMaxDepth] = strconv.Itoa(node.maxDepth)
	md[MetaMakerDecision] = node.decision
	md[MetaMakerChildCount] = strconv.Itoa(len(node.children))
	md[MetaMakerStage] = stage

	if node.degenerate {
		md[MetaMakerDegenerate] = "true"
	}

	return md
}

func stageError(stage string, done core.StepCompleted) string {
	if done.Error != "" {
		return fmt.Sprintf("maker: %s failed: %s", stage, done.Error)
	}

	return fmt.Sprintf("maker: %s failed", stage)
}

// IsAtomic reads an atomicity vote. The earlier of ATOMIC and DECOMPOSE
// (case-insensitive) wins; neither means not atomic.
func IsAtomic(text string) bool {
	upper := strings.ToUpper(text)

	a := strings.Index(upper, "ATOMIC")
	d := strings.Index(upper, "DECOMPOSE")

	switch {
	case a < 0:
		return false
	case d < 0:
		return true
	default:
		return a < d
	}
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*+•]|\d+[.):]|\(\d+\)|[a-zA-Z][.)])\s+`)

// ParseSubtasks splits a decomposition answer. The delimiter is tried first;
// with one item or fewer it falls back to lines with list markers stripped.
// The result is truncated to maxSubtasks.
func ParseSubtasks(text, delimiter string, maxSubtasks int) []string {
	items := voting.Split(text, delimiter)

	if len(items) <= 1 {
		items = items[:0]

		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
			if line != "" {
				items = append(items, line)
			}
		}
	}

	if maxSubtasks > 0 && len(items) > maxSubtasks {
		items = items[:maxSubtasks]
	}

	return items
}

// Degenerate reports whether a split cannot make progress: one subtask or
// fewer, or any subtask equal to the original task after whitespace and case
// normalization. The second rule applies to splits of any size.
func Degenerate(task string, subtasks []string) bool {
	if len(subtasks) <= 1 {
		return true
	}

	norm := normalize(task)
	for _, s := range subtasks {
		if normalize(s) == norm {
			return true
		}
	}

	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
