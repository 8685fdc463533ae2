package module

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/internal/testutil"
)

func TestParallel_DefaultCountMergesOutputs(t *testing.T) {
	env := testEnv()
	mods := All(env)

	host := newFakeHost(func(req core.StepRequest) core.StepCompleted {
		return core.Succeeded(req, "answer "+req.StepID[len(req.StepID)-1:], nil)
	})

	req := testutil.NewStepRequest("p", core.StepParallel).Input("q").Build()
	done := host.run(t, mods, req)

	require.True(t, done.Success, done.Error)
	assert.Equal(t, "answer 0\n---\nanswer 1\n---\nanswer 2", done.Output)
	assert.Equal(t, "3", done.Metadata[MetaParallelCount])
	assert.Equal(t, "false", done.Metadata[MetaParallelUsedVote])
	assert.Equal(t, 3, host.downCount("p_sub_"))
	assert.Zero(t, Pending(mods))
}

func TestParallel_WorkersArePointToPoint(t *testing.T) {
	env := testEnv()
	mods := All(env)
	host := newFakeHost(reply("ok"))

	req := testutil.NewStepRequest("p", "fan_out").Param("workers", "solver, critic").Build()
	done := host.run(t, mods, req)

	require.True(t, done.Success)
	assert.Equal(t, "2", done.Metadata[MetaParallelCount])
	assert.Len(t, host.sent["run-test/solver"], 1)
	assert.Len(t, host.sent["run-test/critic"], 1)
	assert.Equal(t, "p_sub_0", host.sent["run-test/solver"][0].StepID)
}

func TestParallel_WithVote(t *testing.T) {
	env := testEnv()
	mods := All(env)

	host := newFakeHost(func(req core.StepRequest) core.StepCompleted {
		if strings.HasSuffix(req.StepID, "_2") {
			return core.Succeeded(req, "B", nil)
		}

		return core.Succeeded(req, "A", nil)
	})

	req := testutil.NewStepRequest("p", core.StepParallel).Param("vote_step_type", "vote").Build()
	done := host.run(t, mods, req)

	require.True(t, done.Success, done.Error)
	assert.Equal(t, "A", done.Output)
	assert.Equal(t, "true", done.Metadata[MetaParallelUsedVote])
	assert.Equal(t, "p_vote", done.Metadata[MetaParallelVoteStep])
	assert.Equal(t, "2", done.Metadata["vote.top_votes"])
	assert.Zero(t, Pending(mods))
}

func TestParallel_WorkerFailureFailsStep(t *testing.T) {
	env := testEnv()
	mods := All(env)

	host := newFakeHost(func(req core.StepRequest) core.StepCompleted {
		if strings.HasSuffix(req.StepID, "_1") {
			return core.Failed(req, "boom", nil)
		}

		return core.Succeeded(req, "A", nil)
	})

	req := testutil.NewStepRequest("p", core.StepParallel).Param("vote_step_type", "vote").Build()
	done := host.run(t, mods, req)

	assert.False(t, done.Success)
	assert.Equal(t, "false", done.Metadata[MetaParallelWorkersOK])
	assert.Zero(t, Pending(mods))
}

func TestParallel_InvalidCount(t *testing.T) {
	host := newFakeHost(nil)
	req := testutil.NewStepRequest("p", core.StepParallel).Param("parallel_count", "0").Build()

	done := host.run(t, All(testEnv()), req)

	assert.False(t, done.Success)
	assert.Contains(t, done.Error, "at least 1")
}

func TestVote_NoValidCandidates(t *testing.T) {
	host := newFakeHost(nil)
	req := testutil.NewStepRequest("v", core.StepMakerVote).
		Input("toolong\n---\nalsotoolong").
		Param("max_response_length", "3").
		Build()

	done := host.run(t, All(testEnv()), req)

	assert.False(t, done.Success)
	assert.Equal(t, "2", done.Metadata["vote.red_flagged"])
}
