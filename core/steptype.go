package core

import "strings"

// Step type tags understood by the workflow engine and its modules.
const (
	StepLLMCall        = "llm_call"
	StepParallel       = "parallel"
	StepVote           = "vote"
	StepMakerRecursive = "maker_recursive"
	StepMakerVote      = "maker_vote"
	StepForeach        = "foreach"
	StepWhile          = "while"
	StepConditional    = "conditional"
	StepConnectorCall  = "connector_call"
	StepTransform      = "transform"
	StepRetrieveFacts  = "retrieve_facts"
	StepAssign         = "assign"
	StepCheckpoint     = "checkpoint"
	StepWorkflowCall   = "workflow_call"
)

var stepAliases = map[string]string{
	"fan_out":               StepParallel,
	"vote_consensus":        StepVote,
	"maker_recursive_solve": StepMakerRecursive,
	"loop":                  StepWhile,
	"bridge_call":           StepConnectorCall,
	"sub_workflow":          StepWorkflowCall,
}

var stepTypes = map[string]struct{}{
	StepLLMCall:        {},
	StepParallel:       {},
	StepVote:           {},
	StepMakerRecursive: {},
	StepMakerVote:      {},
	StepForeach:        {},
	StepWhile:          {},
	StepConditional:    {},
	StepConnectorCall:  {},
	StepTransform:      {},
	StepRetrieveFacts:  {},
	StepAssign:         {},
	StepCheckpoint:     {},
	StepWorkflowCall:   {},
}

// CanonicalStepType lower-cases t and resolves aliases such as fan_out.
func CanonicalStepType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if canonical, ok := stepAliases[t]; ok {
		return canonical
	}

	return t
}

// KnownStepType reports whether t (or its alias target) is a supported step type.
func KnownStepType(t string) bool {
	_, ok := stepTypes[CanonicalStepType(t)]
	return ok
}
