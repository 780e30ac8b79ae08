package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHitText(t *testing.T) {
	h := RetrievalHit{Payload: ProblemPayload{Problem: "1+1?", Solution: "2"}}
	assert.Equal(t, "Problem: 1+1?\nSolution: 2", h.Text())
	assert.Equal(t, "Problem: 1+1?", RetrievalHit{Payload: ProblemPayload{Problem: " 1+1? "}}.Text())

	e := ExternalHit{Title: "Sum", URL: "https://x", Content: "body"}
	assert.Equal(t, "Title: Sum\nURL: https://x\n\nbody", e.Text())
	assert.Equal(t, "body", ExternalHit{Content: " body "}.Text())
	assert.Empty(t, ExternalHit{}.Text())
}

func TestFilters(t *testing.T) {
	assert.True(t, Filters{Topic: "  "}.Empty())
	f := Filters{Topic: "algebra", Subject: " Algebra "}
	assert.False(t, f.Empty())
	assert.Equal(t, map[string]string{"topic": "algebra", "subject": "Algebra"}, f.Map())
}

func TestSessionStateDefaults(t *testing.T) {
	s := NewSessionState("t", "turn", "solve x", Filters{}, 5)
	assert.Equal(t, []string{"solve x"}, s.SubQueries)
	assert.Equal(t, "solve x", s.PrimaryQuery())
	assert.False(t, s.Terminal())

	s.SubQueries = []string{"", "find y"}
	assert.Equal(t, "find y", s.PrimaryQuery())
}

func TestTerminalFollowsState(t *testing.T) {
	s := NewSessionState("t", "turn", "q", Filters{}, 5)

	s.State = "filtering"
	s.FinalAnswer = "This agent only supports mathematics-related questions."
	assert.False(t, s.Terminal())

	for _, st := range []string{StateRejected, StateFinalized, StateFailed} {
		s.State = st
		s.FinalAnswer = ""
		assert.True(t, s.Terminal(), st)
	}
}

func TestCloneIsDeep(t *testing.T) {
	score := 0.5
	s := NewSessionState("t", "turn", "q", Filters{}, 5)
	s.RankedCandidates = []RankedCandidate{{Text: "a", Metadata: map[string]string{"k": "v"}, RerankScore: &score}}
	s.Verification = &VerificationResult{Issues: []string{"i"}}

	c := s.Clone()
	c.RankedCandidates[0].Metadata["k"] = "changed"
	*c.RankedCandidates[0].RerankScore = 9
	c.Verification.Issues[0] = "changed"

	assert.Equal(t, "v", s.RankedCandidates[0].Metadata["k"])
	assert.Equal(t, 0.5, *s.RankedCandidates[0].RerankScore)
	assert.Equal(t, "i", s.Verification.Issues[0])
}
