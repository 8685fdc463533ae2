package core

import (
	"testing"
	"time"
)

func TestStepRequest_Params(t *testing.T) {
	req := StepRequest{Parameters: map[string]string{
		"k":        "3",
		"bad":      "x",
		"flag":     "true",
		"blank":    "  ",
		"deadline": "150ms",
	}}

	if got := req.IntParam("k", 1); got != 3 {
		t.Fatalf("IntParam = %d", got)
	}
	if got := req.IntParam("bad", 7); got != 7 {
		t.Fatalf("IntParam fallback = %d", got)
	}
	if got := req.IntParam("missing", 9); got != 9 {
		t.Fatalf("IntParam missing = %d", got)
	}
	if !req.BoolParam("flag", false) || req.BoolParam("missing", false) {
		t.Fatalf("BoolParam mismatch")
	}
	if got := req.Param("blank", "def"); got != "def" {
		t.Fatalf("blank param should fall back, got %q", got)
	}
	if got := req.DurationParam("deadline", time.Second); got != 150*time.Millisecond {
		t.Fatalf("DurationParam = %v", got)
	}
}

func TestStepRequest_Derive(t *testing.T) {
	parent := StepRequest{
		StepID:     "s1",
		StepType:   "parallel",
		RunID:      "run",
		TargetRole: "solver",
		Parameters: map[string]string{"k": "2", "depth": "0"},
	}

	child := parent.Derive("_sub_0", "llm_call", "task", map[string]string{"depth": "1"})

	if child.StepID != "s1_sub_0" || child.StepType != "llm_call" || child.RunID != "run" {
		t.Fatalf("unexpected derived request: %+v", child)
	}
	if child.TargetRole != "solver" || child.Input != "task" {
		t.Fatalf("derived request lost routing info: %+v", child)
	}
	if child.Parameters["k"] != "2" || child.Parameters["depth"] != "1" {
		t.Fatalf("unexpected derived parameters: %v", child.Parameters)
	}
	if parent.Parameters["depth"] != "0" {
		t.Fatalf("Derive mutated the parent parameters")
	}
}

func TestCompletions(t *testing.T) {
	req := StepRequest{StepID: "s", StepType: "vote", RunID: "r"}

	ok := Succeeded(req, "out", nil)
	if !ok.Success || ok.StepID != "s" || ok.Output != "out" || ok.Metadata == nil {
		t.Fatalf("unexpected success completion: %+v", ok)
	}

	fail := Failed(req, "boom", map[string]string{"x": "y"})
	if fail.Success || fail.Error != "boom" || fail.Metadata["x"] != "y" {
		t.Fatalf("unexpected failed completion: %+v", fail)
	}
}

func TestModelLimiter(t *testing.T) {
	ml := NewModelLimiter(2)

	for i := 0; i < 2; i++ {
		if err := ml.Increment("run-a"); err != nil {
			t.Fatalf("unexpected limit error: %v", err)
		}
	}
	if err := ml.Increment("run-a"); err == nil {
		t.Fatalf("expected limit error on third call")
	}
	if ml.Remaining("run-b") != 2 {
		t.Fatalf("runs must not share counters")
	}

	ml.Forget("run-a")
	if ml.Count("run-a") != 0 {
		t.Fatalf("Forget did not reset the counter")
	}

	if NewModelLimiter(0).Remaining("x") != -1 {
		t.Fatalf("unlimited limiter should report -1")
	}
}

func TestRunIDOf(t *testing.T) {
	cases := map[string]Payload{
		"step":      StepRequest{RunID: "r1"},
		"completed": StepCompleted{RunID: "r1"},
		"run":       RunRequest{RunID: "r1"},
		"workflow":  WorkflowCompleted{RunID: "r1"},
	}

	for name, p := range cases {
		if got := RunIDOf(p); got != "r1" {
			t.Fatalf("%s: RunIDOf = %q", name, got)
		}
	}

	if got := RunIDOf(nil); got != "" {
		t.Fatalf("nil payload: RunIDOf = %q", got)
	}
}
