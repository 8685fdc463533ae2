package module

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/core"
)

// MetaForeachCount is the number of items a foreach step processed.
const MetaForeachCount = "foreach.count"

type foreachRun struct {
	req       core.StepRequest
	started   time.Time
	delimiter string
	results   []*core.StepCompleted
	collected int
}

// Foreach runs one sub-step per item of the input and joins the outputs in
// item order. Items come from the gjson array at items_path or from the input
// split on delimiter (default newline).
type Foreach struct {
	base
	runs *correlation[foreachRun]
}

// NewForeach creates the foreach module.
func NewForeach(env *Env) *Foreach {
	return &Foreach{
		base: base{name: "foreach", types: []string{core.StepForeach}, env: env},
		runs: newCorrelation[foreachRun](),
	}
}

func (m *Foreach) CanHandle(env core.Envelope) bool {
	if _, ok := m.request(env); ok {
		return true
	}

	done, ok := completion(env)

	return ok && m.runs.owns(done.StepID)
}

func (m *Foreach) Handle(ctx context.Context, env core.Envelope, host agent.Host) error {
	if req, ok := m.request(env); ok {
		return m.start(ctx, host, req)
	}

	done, _ := completion(env)

	return m.collect(ctx, host, done)
}

func (m *Foreach) Pending() int { return m.runs.len() }

// Items extracts the items of a foreach step.
func Items(req core.StepRequest) ([]string, error) {
	if path := req.Param("items_path", ""); path != "" {
		if !gjson.Valid(req.Input) {
			return nil, fmt.Errorf("foreach: input is not valid JSON")
		}

		res := gjson.Get(req.Input, path)
		if !res.IsArray() {
			return nil, fmt.Errorf("foreach: %s is not an array", path)
		}

		var items []string

		for _, item := range res.Array() {
			v := item.String()
			if item.IsObject() || item.IsArray() {
				v = item.Raw
			}

			if strings.TrimSpace(v) != "" {
				items = append(items, v)
			}
		}

		return items, nil
	}

	var items []string

	for _, part := range strings.Split(req.Input, req.Param("delimiter", "\n")) {
		if p := strings.TrimSpace(part); p != "" {
			items = append(items, p)
		}
	}

	return items, nil
}

func (m *Foreach) start(ctx context.Context, host agent.Host, req core.StepRequest) error {
	started := time.Now()

	items, err := Items(req)
	if err != nil {
		return m.finish(ctx, host, core.Failed(req, err.Error(), nil), started)
	}

	if len(items) == 0 {
		return m.finish(ctx, host, core.Succeeded(req, "", map[string]string{MetaForeachCount: "0"}), started)
	}

	state := &foreachRun{
		req:       req,
		started:   started,
		delimiter: req.Param("delimiter", "\n"),
		results:   make([]*core.StepCompleted, len(items)),
	}

	if !m.runs.open(req.StepID, state) {
		return nil
	}

	itemType := req.Param("item_step_type", core.StepLLMCall)

	subs := make([]core.StepRequest, len(items))
	for i, item := range items {
		subs[i] = req.Derive(fmt.Sprintf("_item_%d", i), itemType, item, map[string]string{
			"item_index": strconv.Itoa(i),
		})
		m.runs.bind(subs[i].StepID, req.StepID)
	}

	for _, sub := range subs {
		if err := m.env.Dispatch(ctx, host, sub); err != nil {
			m.runs.close(req.StepID)
			return m.finish(ctx, host, core.Failed(req, fmt.Sprintf("foreach: dispatch %s: %v", sub.StepID, err), nil), started)
		}
	}

	return nil
}

func (m *Foreach) collect(ctx context.Context, host agent.Host, done core.StepCompleted) error {
	parentID, state, ok := m.runs.owner(done.StepID)
	if !ok {
		return nil
	}

	idx, ok := subIndex(parentID, "_item_", done.StepID)
	if !ok || idx >= len(state.results) || state.results[idx] != nil {
		return nil
	}

	state.results[idx] = &done
	state.collected++
	m.runs.unbind(done.StepID)

	if state.collected < len(state.results) {
		return nil
	}

	outputs := make([]string, len(state.results))
	success := true

	for i, r := range state.results {
		outputs[i] = r.Output
		success = success && r.Success
	}

	md := map[string]string{MetaForeachCount: strconv.Itoa(len(state.results))}

	var out core.StepCompleted
	if success {
		out = core.Succeeded(state.req, strings.Join(outputs, state.delimiter), md)
	} else {
		out = core.Failed(state.req, firstError(state.results), md)
		out.Output = strings.Join(outputs, state.delimiter)
	}

	m.runs.close(parentID)

	return m.finish(ctx, host, out, state.started)
}
