// Package pipeline runs one query through the math-QA stages as an explicit
// finite-state machine.
package pipeline

import (
	"fmt"

	"github.com/Kocoro-lab/mathagent/internal/models"
)

// State names a pipeline position. The state is entered before its stage
// runs, so a checkpoint at state S resumes by running S.
type State string

const (
	StateStart            State = "start"
	StateFiltering        State = "filtering"
	StateRejected         State = models.StateRejected
	StateDecomposing      State = "decomposing"
	StateRetrieving       State = "retrieving"
	StateFetchingExternal State = "fetching_external"
	StateMerging          State = "merging"
	StateReasoning        State = "reasoning"
	StateVerifying        State = "verifying"
	StateRetry            State = "retry"
	StateFinalize         State = "finalize"
	StateFinalized        State = models.StateFinalized

	// StateFailed is reached outside the table, when a run panics or its
	// deadline passes before any reasoning exists.
	StateFailed State = models.StateFailed
)

// transitions is the complete edge set. Anything else is a bug.
var transitions = map[State][]State{
	StateStart:            {StateFiltering},
	StateFiltering:        {StateRejected, StateDecomposing},
	StateDecomposing:      {StateRetrieving},
	StateRetrieving:       {StateMerging, StateFetchingExternal},
	StateFetchingExternal: {StateMerging},
	StateMerging:          {StateReasoning},
	StateReasoning:        {StateVerifying},
	StateVerifying:        {StateRetry, StateFinalize},
	StateRetry:            {StateFetchingExternal},
	StateFinalize:         {StateFinalized},
}

// Terminal reports whether no stage follows s.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateFinalized, StateFailed:
		return true
	}
	return false
}

// Known reports whether s is a state of this machine.
func (s State) Known() bool {
	_, ok := transitions[s]
	return ok || s.Terminal()
}

// Allowed reports whether from -> to is an edge.
func Allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports an edge missing from the table.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// AfterFiltering routes an admitted query to decomposition.
func AfterFiltering(accepted bool) State {
	if accepted {
		return StateDecomposing
	}
	return StateRejected
}

// AfterRetrieving sends weak local results to external search.
func AfterRetrieving(needsFallback bool) State {
	if needsFallback {
		return StateFetchingExternal
	}
	return StateMerging
}

// AfterVerifying applies the retry rule. The cap is checked before the
// verdict, so a session at the cap finalizes even when judged incorrect.
// A missing verdict counts as incorrect.
func AfterVerifying(retryCount, retryCap int, v *models.VerificationResult) State {
	if retryCount >= retryCap {
		return StateFinalize
	}
	if v != nil && v.IsCorrect {
		return StateFinalize
	}
	return StateRetry
}
