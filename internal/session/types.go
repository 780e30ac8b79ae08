package session

import (
	"errors"
	"time"

	"github.com/Kocoro-lab/mathagent/internal/models"
)

var (
	// ErrThreadNotFound is returned when a thread doesn't exist
	ErrThreadNotFound = errors.New("thread not found")

	// ErrThreadExpired is returned when a thread has outlived its TTL
	ErrThreadExpired = errors.New("thread expired")

	// ErrInvalidThread is returned when thread data is unusable
	ErrInvalidThread = errors.New("invalid thread")

	// ErrNoTurns is returned when feedback targets a thread with no finished turn
	ErrNoTurns = errors.New("thread has no completed turns")
)

// Thread is the checkpointed conversation behind one thread key.
type Thread struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// Checkpoint is the state after the most recent transition.
	Checkpoint *models.SessionState `json:"checkpoint,omitempty"`
	Turns      []Turn               `json:"turns"`
}

// Turn summarises one finished query on a thread.
type Turn struct {
	TurnID          string                     `json:"turn_id"`
	Query           string                     `json:"query"`
	FinalAnswer     string                     `json:"final_answer"`
	State           string                     `json:"state"`
	RetryCount      int                        `json:"retry_count"`
	UnverifiedAtCap bool                       `json:"unverified_at_cap,omitempty"`
	Verification    *models.VerificationResult `json:"verification,omitempty"`
	Feedback        string                     `json:"feedback,omitempty"`
	CompletedAt     time.Time                  `json:"completed_at"`
}

// IsExpired checks if the thread has expired
func (t *Thread) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// LastTurn returns the most recent finished turn, if any.
func (t *Thread) LastTurn() (Turn, bool) {
	if len(t.Turns) == 0 {
		return Turn{}, false
	}
	return t.Turns[len(t.Turns)-1], true
}

// RecentTurns returns up to count of the latest turns, oldest first.
func (t *Thread) RecentTurns(count int) []Turn {
	if count <= 0 || len(t.Turns) <= count {
		return t.Turns
	}
	return t.Turns[len(t.Turns)-count:]
}

// Resumable reports whether the checkpoint stopped mid-pipeline.
func (t *Thread) Resumable() bool {
	return t.Checkpoint != nil && !t.Checkpoint.Terminal()
}

func turnFromState(st *models.SessionState) Turn {
	tr := Turn{
		TurnID:          st.TurnID,
		Query:           st.Query,
		FinalAnswer:     st.FinalAnswer,
		State:           st.State,
		RetryCount:      st.RetryCount,
		UnverifiedAtCap: st.UnverifiedAtCap,
		Feedback:        st.HumanFeedback,
		CompletedAt:     st.UpdatedAt,
	}
	if st.Verification != nil {
		v := *st.Verification
		v.Issues = append([]string(nil), st.Verification.Issues...)
		tr.Verification = &v
	}
	return tr
}

// recordTurn appends or replaces the turn for st, keeping at most maxTurns.
func (t *Thread) recordTurn(st *models.SessionState, maxTurns int) {
	tr := turnFromState(st)
	if n := len(t.Turns); n > 0 && t.Turns[n-1].TurnID == tr.TurnID {
		if tr.Feedback == "" {
			tr.Feedback = t.Turns[n-1].Feedback
		}
		t.Turns[n-1] = tr
	} else {
		t.Turns = append(t.Turns, tr)
	}
	if maxTurns > 0 && len(t.Turns) > maxTurns {
		t.Turns = append([]Turn(nil), t.Turns[len(t.Turns)-maxTurns:]...)
	}
}

func (t *Thread) clone() *Thread {
	c := *t
	c.Checkpoint = t.Checkpoint.Clone()
	c.Turns = make([]Turn, len(t.Turns))
	for i, tr := range t.Turns {
		if tr.Verification != nil {
			v := *tr.Verification
			v.Issues = append([]string(nil), tr.Verification.Issues...)
			tr.Verification = &v
		}
		c.Turns[i] = tr
	}
	return &c
}
