package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/makermesh/core"
)

type mockProvider struct {
	text string
	err  error
}

func (m mockProvider) Instruction(context.Context, core.StepRequest) (string, error) {
	return m.text, m.err
}

func testStep() core.StepRequest {
	return core.StepRequest{
		StepID:     "solve",
		RunID:      "run-1",
		Input:      "2+2",
		TargetRole: "solver",
		Parameters: map[string]string{"tone": "terse"},
	}
}

func TestInstruction_Static(t *testing.T) {
	inst := NewInstructionFromText("static instruction")
	if !inst.IsStatic() {
		t.Fatalf("expected static instruction")
	}
	got, err := inst.Resolve(context.Background(), testStep())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "static instruction" {
		t.Fatalf("expected 'static instruction', got %q", got)
	}
}

func TestInstruction_Template(t *testing.T) {
	inst := NewInstructionFromText("You are {{.role}} in {{.run_id}}. Be {{.params.tone}} about {{.input}}.")
	got, err := inst.Resolve(context.Background(), testStep())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "You are solver in run-1. Be terse about 2+2."; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestInstruction_NewInstructionFromFunc(t *testing.T) {
	inst := NewInstructionFromFunc(func(_ context.Context, req core.StepRequest) (string, error) {
		return "dynamic for " + req.StepID, nil
	})
	if inst.IsStatic() {
		t.Fatalf("expected dynamic instruction")
	}
	got, err := inst.Resolve(context.Background(), testStep())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "dynamic for solve" {
		t.Fatalf("expected 'dynamic for solve', got %q", got)
	}
}

func TestInstruction_NewInstructionFromProvider(t *testing.T) {
	inst := NewInstructionFromProvider(mockProvider{text: "provider text"})
	if inst.IsStatic() {
		t.Fatalf("expected dynamic instruction")
	}
	got, err := inst.Resolve(context.Background(), testStep())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "provider text" {
		t.Fatalf("expected 'provider text', got %q", got)
	}
}

func TestInstruction_ErrorPropagation(t *testing.T) {
	expectedErr := errors.New("boom")
	inst := NewInstructionFromProvider(mockProvider{err: expectedErr})
	_, err := inst.Resolve(context.Background(), testStep())
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected error %v, got %v", expectedErr, err)
	}
}
