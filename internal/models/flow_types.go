// Package models defines flow phase definitions to avoid circular imports.
package models

// Phase is the recommendation flow controller's current state.
type Phase string

// Phase constants for the recommendation flow.
const (
	PhaseInput                  Phase = "INPUT"
	PhaseAwaitingInitialResults Phase = "AWAITING_INITIAL_RESULTS"
	PhaseClarifying             Phase = "CLARIFYING"
	PhaseAwaitingFinalResult    Phase = "AWAITING_FINAL_RESULT"
	PhaseResult                 Phase = "RESULT"
)

// IsAwaiting reports whether the phase is parked on an outstanding remote call.
func (p Phase) IsAwaiting() bool {
	return p == PhaseAwaitingInitialResults || p == PhaseAwaitingFinalResult
}

// Operation names one of the three remote calls the flow issues.
type Operation string

// Operation constants.
const (
	OpSearch    Operation = "search"
	OpClarify   Operation = "clarify"
	OpRecommend Operation = "recommend"
)

// RunOutcome records how a run ended.
type RunOutcome string

// Run outcome constants.
const (
	RunOutcomeCompleted RunOutcome = "completed"
	RunOutcomeFailed    RunOutcome = "failed"
	RunOutcomeAbandoned RunOutcome = "abandoned"
)
