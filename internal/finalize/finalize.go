// Package finalize turns reasoning plus verdict into the user-facing answer.
package finalize

import (
	"regexp"
	"strings"

	"github.com/Kocoro-lab/mathagent/internal/models"
)

var (
	thinkBlock = regexp.MustCompile(`(?is)<think>.*?</think>`)
	blankRun   = regexp.MustCompile(`\n{3,}`)
	forbidden  = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bas an AI\b`),
		regexp.MustCompile(`(?i)\bI am unable to\b`),
		regexp.MustCompile(`(?i)\bsystem prompt\b`),
		regexp.MustCompile(`(?i)\bdeveloper message\b`),
		regexp.MustCompile(`(?i)\bOpenAI policies\b`),
		regexp.MustCompile(`(?i)\breasoning process\b`),
		regexp.MustCompile(`(?i)\bchain of thought\b`),
	}
)

func cleanOnce(text string) string {
	out := thinkBlock.ReplaceAllString(text, "")
	for _, re := range forbidden {
		out = re.ReplaceAllString(out, "")
	}
	out = blankRun.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// Clean strips hidden-thinking blocks and meta phrases. Removing one phrase
// can splice a new one together, so it repeats until nothing changes.
func Clean(text string) string {
	cur := text
	for i := 0; i < 8; i++ {
		next := cleanOnce(cur)
		if next == cur {
			return next
		}
		cur = next
	}
	return cur
}

// Answer picks the verifier's rewrite when it has one, otherwise the
// reasoning text, and cleans the result.
func Answer(reasoning string, v *models.VerificationResult) string {
	if v != nil {
		if improved := strings.TrimSpace(v.ImprovedAnswer); improved != "" {
			return Clean(improved)
		}
	}
	return Clean(reasoning)
}
