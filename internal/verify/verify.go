// Package verify judges a reasoning text with a second model and parses its
// verdict. Every failure collapses to SafeDefault.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/llm"
	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/util"
)

const (
	FailureIssue   = "Verifier model failed to evaluate the solution."
	FailureAdvice  = "The system could not verify this solution. Please try again or solve the problem manually."
	verifierSchema = `
The output MUST be a strict JSON object exactly in this schema:

{
  "is_correct": true/false,
  "issues": [list of strings],
  "improved_answer": "string"
}

Rules:
- "is_correct": true only if the reasoning AND the final answer are mathematically correct.
- "issues": include any logical errors, missing steps, wrong calculations, or unsafe assumptions.
- "improved_answer": MUST be a corrected, clean, step-by-step answer using plain text math.
- Do NOT use LaTeX. Use forms like: x^2, 1/2, sqrt(x), x = 4 or x = -4.
- No markdown, no extra commentary, and no text before or after the JSON object.
`
)

const systemPrompt = "You are a strict but fair mathematical verifier.\n" +
	"You receive the original problem and a proposed solution.\n" +
	"Your job is to judge ONLY the math: correctness, clarity, and logic.\n" +
	"\n" +
	"Follow these instructions carefully:\n" +
	"1. Check whether every key step is mathematically valid.\n" +
	"2. Check whether the final numerical/symbolic answer is correct.\n" +
	"3. Note any errors, gaps, or confusing explanations.\n" +
	"4. If needed, rewrite the solution into a clean, correct, step-by-step answer in plain text math.\n" +
	"5. Respond ONLY with a single JSON object, no extra text.\n" +
	verifierSchema

var (
	ErrNotObject      = errors.New("verifier did not return bare JSON")
	ErrMissingVerdict = errors.New("verifier JSON has no is_correct")
)

// SafeDefault is used whenever the verdict cannot be obtained.
func SafeDefault() models.VerificationResult {
	return models.VerificationResult{
		IsCorrect:      false,
		Issues:         []string{FailureIssue},
		ImprovedAnswer: FailureAdvice,
	}
}

type verdict struct {
	IsCorrect      *bool    `json:"is_correct"`
	Issues         []string `json:"issues"`
	ImprovedAnswer string   `json:"improved_answer"`
}

// Parse decodes a verifier reply. The reply may be wrapped in a code fence
// but must otherwise start with '{'.
func Parse(raw string) (models.VerificationResult, error) {
	payload := util.StripCodeFence(raw)
	if !strings.HasPrefix(payload, "{") {
		return models.VerificationResult{}, ErrNotObject
	}
	var v verdict
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return models.VerificationResult{}, fmt.Errorf("decode verdict: %w", err)
	}
	if v.IsCorrect == nil {
		return models.VerificationResult{}, ErrMissingVerdict
	}
	issues := make([]string, 0, len(v.Issues))
	for _, is := range v.Issues {
		if is = strings.TrimSpace(is); is != "" {
			issues = append(issues, is)
		}
	}
	return models.VerificationResult{
		IsCorrect:      *v.IsCorrect,
		Issues:         issues,
		ImprovedAnswer: v.ImprovedAnswer,
	}, nil
}

// Verifier asks the judge model for a verdict.
type Verifier struct {
	gen    llm.Generator
	logger *zap.Logger
}

func New(gen llm.Generator, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{gen: gen, logger: logger}
}

// Verify never fails; ok is false when SafeDefault was substituted.
func (v *Verifier) Verify(ctx context.Context, query, reasoning string) (result models.VerificationResult, ok bool) {
	user := fmt.Sprintf("Problem:\n%s\n\nSolution to verify:\n%s\n\nNow evaluate this solution strictly according to the schema.",
		strings.TrimSpace(query), strings.TrimSpace(reasoning))

	raw, err := v.gen.Generate(ctx, systemPrompt, user)
	if err != nil {
		metrics.VerifierFailures.WithLabelValues("call").Inc()
		v.logger.Warn("Verifier call failed", zap.Error(err))
		return SafeDefault(), false
	}
	res, err := Parse(raw)
	if err != nil {
		metrics.VerifierFailures.WithLabelValues("parse").Inc()
		v.logger.Warn("Verifier reply rejected",
			zap.String("content", util.TruncateString(raw, 120, false)),
			zap.Error(err),
		)
		return SafeDefault(), false
	}
	return res, true
}
