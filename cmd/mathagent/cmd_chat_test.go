package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/pipeline"
	"github.com/Kocoro-lab/mathagent/internal/session"
)

type scriptedRunner struct {
	queries  []string
	threads  []string
	feedback []string
}

func (s *scriptedRunner) Run(_ context.Context, req pipeline.Request) (*models.SessionState, error) {
	s.queries = append(s.queries, req.Query)
	s.threads = append(s.threads, req.ThreadID)
	return &models.SessionState{ThreadID: req.ThreadID, FinalAnswer: "The answer is 4. Add 2 and 2"}, nil
}

func (s *scriptedRunner) RecordFeedback(_ context.Context, _, fb string) (session.Turn, error) {
	s.feedback = append(s.feedback, fb)
	return session.Turn{Feedback: fb}, nil
}

func TestChatLoop(t *testing.T) {
	color.NoColor = true
	r := &scriptedRunner{}
	in := strings.NewReader("what is 2+2\ngreat\n\nderivative of x^2\n\n/quit\n")
	var out bytes.Buffer

	require.NoError(t, chatLoop(context.Background(), r, in, &out, true, zaptest.NewLogger(t)))

	assert.Equal(t, []string{"what is 2+2", "derivative of x^2"}, r.queries)
	assert.Equal(t, r.threads[0], r.threads[1])
	assert.True(t, strings.HasPrefix(r.threads[0], "cli-session-"))
	assert.Len(t, r.threads[0], len("cli-session-")+8)
	assert.Equal(t, []string{"great"}, r.feedback)
	assert.Contains(t, out.String(), "feedback recorded")
	assert.Contains(t, out.String(), "Goodbye.")
}

func TestChatLoopSkipsFeedbackWhenPiped(t *testing.T) {
	color.NoColor = true
	r := &scriptedRunner{}
	in := strings.NewReader("what is 2+2\nlimit of sin(x)/x\n")
	var out bytes.Buffer

	require.NoError(t, chatLoop(context.Background(), r, in, &out, false, zaptest.NewLogger(t)))
	assert.Len(t, r.queries, 2)
	assert.Empty(t, r.feedback)
	assert.NotContains(t, out.String(), "Was this answer helpful")
}
