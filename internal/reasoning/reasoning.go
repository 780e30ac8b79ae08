// Package reasoning produces the step-by-step answer from the query and the
// ranked context.
package reasoning

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/llm"
	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/util"
)

const (
	DefaultContextCap = 2000

	// Apology replaces the reasoning text when generation fails.
	Apology = "Error: The reasoning model failed. Please try again or verify the retrieved context."

	NoContext = "No external knowledge retrieved."
)

const systemPrompt = "You are an expert mathematics tutor.\n" +
	"You receive a math problem and some retrieved sources (from a math corpus and the web).\n" +
	"Your job is to give a clear, correct, human-friendly answer.\n" +
	"\n" +
	"STYLE RULES:\n" +
	"1. Explain your reasoning step by step in plain English.\n" +
	"2. Write all math in simple text, for example: x^2 = 16, x = 4 or x = -4.\n" +
	"3. Do NOT use LaTeX commands like \\frac, \\boxed, \\sqrt, $, or curly braces.\n" +
	"4. Avoid unnecessary meta-commentary; sound like a good teacher, not a system log.\n" +
	"5. If any source contradicts basic math, ignore that source.\n" +
	"6. If there is not enough information to solve the problem, say 'Insufficient information to determine the answer.'\n" +
	"7. When you use information from a retrieved source, reference it with a short tag like (Ref #1) matching [Source #1].\n" +
	"8. Only solve the math problem asked in the user question. Ignore unrelated parts of the retrieved documents."

const userTemplate = "User question:\n%s\n\n" +
	"Retrieved knowledge (may or may not be needed):\n%s\n\n" +
	"Now give a clear, step-by-step solution in plain text.\n" +
	"If a particular step is justified using retrieved knowledge, include a reference tag like (Ref #2) that matches the source number.\n" +
	"Finish with a final line exactly in this format:\n" +
	"Final answer: ANSWER_HERE"

// RenderContext numbers the candidates from 1 and caps each body at capChars
// runes.
func RenderContext(candidates []models.RankedCandidate, capChars int) string {
	if len(candidates) == 0 {
		return NoContext
	}
	if capChars <= 0 {
		capChars = DefaultContextCap
	}
	chunks := make([]string, 0, len(candidates))
	for i, c := range candidates {
		origin := c.Origin
		if origin == "" {
			origin = "unknown"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "[Source #%d | origin=%s", i+1, origin)
		if c.RerankScore != nil {
			fmt.Fprintf(&b, " | score=%.4f", *c.RerankScore)
		}
		b.WriteString("]")
		if t := strings.TrimSpace(c.Metadata["title"]); t != "" {
			b.WriteString("\nTitle: " + t)
		}
		if u := strings.TrimSpace(c.Metadata["url"]); u != "" {
			b.WriteString("\nURL: " + u)
		}
		b.WriteString("\n\n")
		b.WriteString(util.Truncate(strings.TrimSpace(c.Text), capChars))
		chunks = append(chunks, b.String())
	}
	return strings.Join(chunks, "\n\n\n")
}

// Reasoner calls the reasoning model.
type Reasoner struct {
	gen        llm.Generator
	contextCap int
	logger     *zap.Logger
}

func New(gen llm.Generator, contextCap int, logger *zap.Logger) *Reasoner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reasoner{gen: gen, contextCap: contextCap, logger: logger}
}

// Reason returns the model's answer, or Apology on any failure.
func (r *Reasoner) Reason(ctx context.Context, query string, candidates []models.RankedCandidate) string {
	user := fmt.Sprintf(userTemplate, strings.TrimSpace(query), RenderContext(candidates, r.contextCap))
	out, err := r.gen.Generate(ctx, systemPrompt, user)
	if err != nil {
		metrics.ReasoningFailures.Inc()
		r.logger.Warn("Reasoning model failed", zap.Error(err))
		return Apology
	}
	return out
}
