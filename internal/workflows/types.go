// Package workflows runs pipeline turns as durable Temporal workflows.
package workflows

import (
	"time"

	"github.com/Kocoro-lab/mathagent/internal/models"
)

// Signal and query names
const (
	SignalFeedback = "feedback_v1"
	QueryTurnState = "turn_state_v1"
)

// SolveInput starts one turn on a thread.
type SolveInput struct {
	ThreadID string         `json:"thread_id"`
	Query    string         `json:"query"`
	Filters  models.Filters `json:"filters"`
	TopK     int            `json:"top_k,omitempty"`
	// FeedbackWindow keeps the workflow open for a feedback signal after
	// the answer is ready. Zero closes it immediately.
	FeedbackWindow time.Duration `json:"feedback_window,omitempty"`
}

// SolveResult is the outcome of a turn.
type SolveResult struct {
	ThreadID        string                     `json:"thread_id"`
	TurnID          string                     `json:"turn_id"`
	State           string                     `json:"state"`
	FinalAnswer     string                     `json:"final_answer"`
	Verification    *models.VerificationResult `json:"verification,omitempty"`
	RetryCount      int                        `json:"retry_count"`
	UnverifiedAtCap bool                       `json:"unverified_at_cap"`
	Resumed         bool                       `json:"resumed"`
	Feedback        string                     `json:"feedback,omitempty"`
}

// FeedbackSignal carries human feedback for the finished turn.
type FeedbackSignal struct {
	Feedback    string `json:"feedback"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// FeedbackInput is the RecordFeedback activity input.
type FeedbackInput struct {
	ThreadID string `json:"thread_id"`
	Feedback string `json:"feedback"`
}

func resultFor(st *models.SessionState, resumed bool) SolveResult {
	return SolveResult{
		ThreadID:        st.ThreadID,
		TurnID:          st.TurnID,
		State:           st.State,
		FinalAnswer:     st.FinalAnswer,
		Verification:    st.Verification,
		RetryCount:      st.RetryCount,
		UnverifiedAtCap: st.UnverifiedAtCap,
		Resumed:         resumed,
	}
}
