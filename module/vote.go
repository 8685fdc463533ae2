package module

import (
	"context"
	"time"

	"github.com/hupe1980/makermesh/agent"
	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/logging"
	"github.com/hupe1980/makermesh/voting"
)

// Vote runs the voting primitive over a delimiter-joined candidate list for
// vote, vote_consensus and maker_vote steps. It is stateless.
type Vote struct {
	base
}

// NewVote creates the vote module.
func NewVote(env *Env) *Vote {
	return &Vote{base{name: "vote", types: []string{core.StepVote, core.StepMakerVote}, env: env}}
}

// VoteParams reads the voting parameters of a step.
func VoteParams(req core.StepRequest) voting.Params {
	return voting.Params{
		Delimiter:         req.Param("delimiter", voting.DefaultDelimiter),
		K:                 req.IntParam("k", voting.DefaultK),
		MaxResponseLength: req.IntParam("max_response_length", voting.DefaultMaxResponseLength),
	}
}

func (m *Vote) CanHandle(env core.Envelope) bool {
	_, ok := m.request(env)
	return ok
}

func (m *Vote) Handle(ctx context.Context, env core.Envelope, host agent.Host) error {
	req, _ := m.request(env)
	started := time.Now()

	res, err := voting.VoteText(req.Input, VoteParams(req))
	md := res.Metadata()

	logging.Mesh(m.env.logger()).LogVote(req.StepID, res.TopVotes, res.RedFlagged, res.UsedMajorityFallback)
	m.env.instruments().RecordVote(ctx, err == nil, res.UsedMajorityFallback, res.RedFlagged)

	if err != nil {
		return m.finish(ctx, host, core.Failed(req, err.Error(), md), started)
	}

	return m.finish(ctx, host, core.Succeeded(req, res.Winner, md), started)
}

func (m *Vote) Pending() int { return 0 }
