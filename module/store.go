package module

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/core"
)

// Metadata keys of the store-backed steps.
const (
	MetaCheckpointVersion = "checkpoint.version"
	MetaFactsCount        = "facts.count"
)

// DefaultFactLimit bounds retrieve_facts when no limit is given.
const DefaultFactLimit = 5

// Checkpoint saves the step input as a versioned artifact under the run id.
type Checkpoint struct {
	base
}

// NewCheckpoint creates the checkpoint module.
func NewCheckpoint(env *Env) *Checkpoint {
	return &Checkpoint{base{name: "checkpoint", types: []string{core.StepCheckpoint}, env: env}}
}

func (m *Checkpoint) CanHandle(env core.Envelope) bool {
	_, ok := m.request(env)
	return ok
}

func (m *Checkpoint) Handle(ctx context.Context, env core.Envelope, host agent.Host) error {
	req, _ := m.request(env)
	started := time.Now()

	if m.env.Artifacts == nil {
		return m.finish(ctx, host, core.Failed(req, "checkpoint: no artifact store configured", nil), started)
	}

	name := req.Param("name", req.StepID)

	version, err := m.env.Artifacts.Save(ctx, req.RunID, name, []byte(req.Input))
	if err != nil {
		return m.finish(ctx, host, core.Failed(req, fmt.Sprintf("checkpoint: %v", err), nil), started)
	}

	return m.finish(ctx, host, core.Succeeded(req, req.Input, map[string]string{
		MetaCheckpointVersion: strconv.Itoa(version),
	}), started)
}

func (m *Checkpoint) Pending() int { return 0 }

// RetrieveFacts searches the fact store and returns the hits one per line.
type RetrieveFacts struct {
	base
}

// NewRetrieveFacts creates the retrieve_facts module.
func NewRetrieveFacts(env *Env) *RetrieveFacts {
	return &RetrieveFacts{base{name: "retrieve_facts", types: []string{core.StepRetrieveFacts}, env: env}}
}

func (m *RetrieveFacts) CanHandle(env core.Envelope) bool {
	_, ok := m.request(env)
	return ok
}

func (m *RetrieveFacts) Handle(ctx context.Context, env core.Envelope, host agent.Host) error {
	req, _ := m.request(env)
	started := time.Now()

	if m.env.Facts == nil {
		return m.finish(ctx, host, core.Failed(req, "retrieve_facts: no fact store configured", nil), started)
	}

	query, err := render(req, req.Param("query", "{{.input}}"))
	if err != nil {
		return m.finish(ctx, host, core.Failed(req, fmt.Sprintf("retrieve_facts: %v", err), nil), started)
	}

	hits, err := m.env.Facts.Search(ctx, req.Param("scope", m.env.Workflow), strings.TrimSpace(query), req.IntParam("limit", DefaultFactLimit))
	if err != nil {
		return m.finish(ctx, host, core.Failed(req, fmt.Sprintf("retrieve_facts: %v", err), nil), started)
	}

	lines := make([]string, len(hits))
	for i, h := range hits {
		lines[i] = h.Content
	}

	return m.finish(ctx, host, core.Succeeded(req, strings.Join(lines, "\n"), map[string]string{
		MetaFactsCount: strconv.Itoa(len(hits)),
	}), started)
}

func (m *RetrieveFacts) Pending() int { return 0 }
