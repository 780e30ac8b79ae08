package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/Kocoro-lab/mathagent/internal/models"
)

const banner = `Math Agent - CLI Interface
Type your math question (calculus, algebra, limits, series, etc.).

Commands:
  /exit, /quit   end session
  /clear         clear screen`

const boxWidth = 72

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(boxWidth)
	titleStyle = lipgloss.NewStyle().Bold(true)
)

// structure splits an answer into a summary sentence and step sentences.
func structure(answer string) (summary string, steps []string) {
	flat := strings.ReplaceAll(strings.TrimSpace(answer), "\n", " ")
	var sentences []string
	for _, s := range strings.Split(flat, ".") {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		return "", nil
	}
	return sentences[0], sentences[1:]
}

// renderAnswer draws the answer box, or "" for an empty answer.
func renderAnswer(answer string) string {
	summary, steps := structure(answer)
	if summary == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("ANSWER"))
	b.WriteString("\nSummary:\n  ")
	b.WriteString(summary)
	if len(steps) > 0 {
		b.WriteString("\n\nSteps:")
		for _, s := range steps {
			b.WriteString("\n  • ")
			b.WriteString(s)
		}
	}
	return boxStyle.Render(b.String())
}

// renderVerification draws the verifier verdict.
func renderVerification(v *models.VerificationResult) string {
	if v == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("VERIFICATION"))
	if v.IsCorrect {
		b.WriteString("\nVerdict: correct")
	} else {
		b.WriteString("\nVerdict: not verified")
	}
	for _, issue := range v.Issues {
		b.WriteString("\n  - ")
		b.WriteString(issue)
	}
	return boxStyle.Render(b.String())
}

// printTurn writes the finished turn for a human reader.
func printTurn(w io.Writer, st *models.SessionState) {
	if st.RejectReason != "" {
		color.New(color.FgYellow).Fprintf(w, "Agent> %s\n\n", st.FinalAnswer)
		return
	}
	if box := renderAnswer(st.FinalAnswer); box != "" {
		fmt.Fprintln(w, box)
	} else {
		fmt.Fprintln(w, "Agent> I could not produce an answer for this query.")
	}
	if box := renderVerification(st.Verification); box != "" {
		fmt.Fprintln(w, box)
	}
	if st.RetryCount > 0 {
		color.New(color.FgCyan).Fprintf(w, "[info] verifier loop iterations: %d\n", st.RetryCount)
	}
	if st.UnverifiedAtCap {
		color.New(color.FgYellow).Fprintln(w, "[warn] the answer could not be verified within the retry limit")
	}
	fmt.Fprintln(w)
}
