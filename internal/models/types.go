package models

import (
	"strings"
	"time"
)

// Origin labels used on ranked candidates.
const (
	OriginLocal = "local_rag"
)

// ProblemPayload is the payload stored with every point in the local index.
type ProblemPayload struct {
	Problem    string `json:"problem"`
	Solution   string `json:"solution"`
	Topic      string `json:"topic,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Split      string `json:"source_split,omitempty"`
}

// RetrievalHit is one neighbor returned by the local index.
type RetrievalHit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload ProblemPayload `json:"payload"`
}

// Text renders the hit the way it is fed to the reranker and reasoning prompt.
func (h RetrievalHit) Text() string {
	text := "Problem: " + strings.TrimSpace(h.Payload.Problem)
	if sol := strings.TrimSpace(h.Payload.Solution); sol != "" {
		text += "\nSolution: " + sol
	}
	return text
}

// SourceKind classifies an external hit.
type SourceKind string

const (
	SourceWebSearch     SourceKind = "web-search"
	SourceKnowledgeBase SourceKind = "knowledge-base"
	SourcePageFetch     SourceKind = "page-fetch"
)

// ExternalHit is a normalized result from any external search backend.
type ExternalHit struct {
	Source  SourceKind `json:"source"`
	Backend string     `json:"backend"`
	Title   string     `json:"title"`
	URL     string     `json:"url"`
	Content string     `json:"content"`
}

// Text renders the hit for scoring; empty fields are left out.
func (h ExternalHit) Text() string {
	var parts []string
	if t := strings.TrimSpace(h.Title); t != "" {
		parts = append(parts, "Title: "+t)
	}
	if u := strings.TrimSpace(h.URL); u != "" {
		parts = append(parts, "URL: "+u)
	}
	if c := strings.TrimSpace(h.Content); c != "" {
		parts = append(parts, "", c)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// RankedCandidate is one entry of the merged context. RerankScore is nil
// when the scorer was unavailable and the deterministic ordering was used.
type RankedCandidate struct {
	Text        string            `json:"text"`
	Origin      string            `json:"origin"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RerankScore *float64          `json:"rerank_score,omitempty"`
}

// VerificationResult is the verifier's judgement of a reasoning text.
type VerificationResult struct {
	IsCorrect      bool     `json:"is_correct"`
	Issues         []string `json:"issues"`
	ImprovedAnswer string   `json:"improved_answer,omitempty"`
}

// Filters are optional equality filters on the local index payload.
type Filters struct {
	Topic      string `json:"topic,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Subject    string `json:"subject,omitempty"`
}

func (f Filters) Empty() bool {
	return strings.TrimSpace(f.Topic) == "" &&
		strings.TrimSpace(f.Difficulty) == "" &&
		strings.TrimSpace(f.Subject) == ""
}

// Map returns the non-empty filters keyed by payload field.
func (f Filters) Map() map[string]string {
	out := map[string]string{}
	if v := strings.TrimSpace(f.Topic); v != "" {
		out["topic"] = v
	}
	if v := strings.TrimSpace(f.Difficulty); v != "" {
		out["difficulty"] = v
	}
	if v := strings.TrimSpace(f.Subject); v != "" {
		out["subject"] = v
	}
	return out
}

// SessionState is threaded through every pipeline stage for one query.
type SessionState struct {
	ThreadID string   `json:"thread_id"`
	TurnID   string   `json:"turn_id"`
	State    string   `json:"state"`
	Trail    []string `json:"trail"`

	Query   string  `json:"query"`
	Filters Filters `json:"filters"`
	TopK    int     `json:"top_k"`

	SafetyFlag   bool   `json:"safety_flag"`
	TopicFlag    bool   `json:"topic_flag"`
	RejectReason string `json:"reject_reason,omitempty"`

	SubQueries        []string `json:"sub_queries"`
	DecompositionPath string   `json:"decomposition_path,omitempty"`

	LocalCandidates []RetrievalHit `json:"local_candidates"`
	WebCandidates   []ExternalHit  `json:"web_candidates"`
	NeedsFallback   bool           `json:"needs_fallback"`
	FiltersDropped  bool           `json:"filters_dropped"`

	RankedCandidates []RankedCandidate `json:"ranked_candidates"`
	RerankDegraded   bool              `json:"rerank_degraded"`

	ReasoningText string              `json:"reasoning_text"`
	Verification  *VerificationResult `json:"verification,omitempty"`
	RetryCount    int                 `json:"retry_count"`

	// UnverifiedAtCap is set when the retry cap forced finalization of an
	// answer the verifier judged incorrect.
	UnverifiedAtCap bool `json:"unverified_at_cap"`

	FinalAnswer   string `json:"final_answer"`
	HumanFeedback string `json:"human_feedback,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSessionState creates the initial state for a query.
func NewSessionState(threadID, turnID, query string, filters Filters, topK int) *SessionState {
	now := time.Now().UTC()
	return &SessionState{
		ThreadID:   threadID,
		TurnID:     turnID,
		Query:      query,
		Filters:    filters,
		TopK:       topK,
		SubQueries: []string{query},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// PrimaryQuery is the first sub-query, or the raw query when there is none.
func (s *SessionState) PrimaryQuery() string {
	for _, q := range s.SubQueries {
		if strings.TrimSpace(q) != "" {
			return q
		}
	}
	return s.Query
}

// Terminal state names. The pipeline defines the full machine; these are
// the states no stage follows.
const (
	StateRejected  = "rejected"
	StateFinalized = "finalized"
	StateFailed    = "failed"
)

// Terminal reports whether the session reached a terminal state. A
// finalized session may carry an empty answer.
func (s *SessionState) Terminal() bool {
	switch s.State {
	case StateRejected, StateFinalized, StateFailed:
		return true
	}
	return false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	c.Trail = append([]string(nil), s.Trail...)
	c.SubQueries = append([]string(nil), s.SubQueries...)
	c.LocalCandidates = append([]RetrievalHit(nil), s.LocalCandidates...)
	c.WebCandidates = append([]ExternalHit(nil), s.WebCandidates...)
	if s.RankedCandidates != nil {
		c.RankedCandidates = make([]RankedCandidate, len(s.RankedCandidates))
		for i, rc := range s.RankedCandidates {
			cp := rc
			if rc.Metadata != nil {
				cp.Metadata = make(map[string]string, len(rc.Metadata))
				for k, v := range rc.Metadata {
					cp.Metadata[k] = v
				}
			}
			if rc.RerankScore != nil {
				v := *rc.RerankScore
				cp.RerankScore = &v
			}
			c.RankedCandidates[i] = cp
		}
	}
	if s.Verification != nil {
		v := *s.Verification
		v.Issues = append([]string(nil), s.Verification.Issues...)
		c.Verification = &v
	}
	return &c
}
