// Package feedback scores finished answers and persists them, together with
// any human feedback, for later analysis.
package feedback

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/util"
)

const (
	contextDocs     = 5
	contextDocChars = 400
)

var (
	connectors    = []string{"because", "therefore", "so ", "thus", "then", "hence"}
	positiveWords = []string{"good", "correct", "nice", "helpful", "clear"}
	negativeWords = []string{"wrong", "incorrect", "bad", "confusing", "unclear"}
)

// Scores are cheap quality signals computed locally.
type Scores struct {
	LengthOK              bool    `json:"length_ok"`
	HasFinalAnswer        bool    `json:"has_final_answer"`
	Coherence             float64 `json:"coherence"`
	HumanFeedbackPositive *bool   `json:"human_feedback_positive"`
	HumanFeedbackNegative *bool   `json:"human_feedback_negative"`
	RetrievedChars        int     `json:"retrieved_chars"`
}

// Value stores Scores as a JSON column.
func (s Scores) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements the sql.Scanner interface
func (s *Scores) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = Scores{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into Scores", value)
}

// Coherence rewards longer answers and the presence of a connective.
func Coherence(text string) float64 {
	t := strings.TrimSpace(text)
	if t == "" {
		return 0
	}
	var base float64
	switch n := utf8.RuneCountInString(t); {
	case n < 40:
		base = 0.2
	case n < 120:
		base = 0.5
	default:
		base = 0.8
	}
	lower := strings.ToLower(t)
	for _, c := range connectors {
		if strings.Contains(lower, c) {
			base += 0.1
			break
		}
	}
	if base > 1 {
		base = 1
	}
	return base
}

// Evaluate scores an answer. Feedback flags stay nil when no human feedback
// was given.
func Evaluate(answer, retrievalContext, humanFeedback string) Scores {
	text := strings.TrimSpace(answer)
	fb := strings.ToLower(strings.TrimSpace(humanFeedback))

	s := Scores{
		LengthOK:       utf8.RuneCountInString(text) > 40,
		HasFinalAnswer: strings.Contains(strings.ToLower(text), "final answer:"),
		Coherence:      Coherence(text),
		RetrievedChars: utf8.RuneCountInString(retrievalContext),
	}
	if fb != "" {
		pos := containsAny(fb, positiveWords)
		neg := containsAny(fb, negativeWords)
		s.HumanFeedbackPositive = &pos
		s.HumanFeedbackNegative = &neg
	}
	return s
}

// RetrievalContext renders the first ranked candidates as "[Doc i] text".
// Empty candidates keep their number but are skipped.
func RetrievalContext(ranked []models.RankedCandidate) string {
	chunks := make([]string, 0, contextDocs)
	for i, c := range ranked {
		if i >= contextDocs {
			break
		}
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		chunks = append(chunks, fmt.Sprintf("[Doc %d] %s", i+1, util.Truncate(text, contextDocChars)))
	}
	return strings.Join(chunks, "\n\n")
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
