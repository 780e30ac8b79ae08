package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/mathagent/internal/llm"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		correct bool
		issues  []string
		wantErr bool
	}{
		{"bare", `{"is_correct": true, "issues": [], "improved_answer": ""}`, true, []string{}, false},
		{"fenced", "```json\n{\"is_correct\": false, \"issues\": [\"wrong sign\", \" \"], \"improved_answer\": \"x = -4\"}\n```", false, []string{"wrong sign"}, false},
		{"leading prose", `Sure! {"is_correct": true}`, false, nil, true},
		{"not json", `{is_correct: yes}`, false, nil, true},
		{"missing verdict", `{"issues": []}`, false, nil, true},
		{"empty", ``, false, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Parse(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.correct, res.IsCorrect)
			assert.Equal(t, tt.issues, res.Issues)
		})
	}
}

func TestVerifyMalformedYieldsSafeDefault(t *testing.T) {
	for _, reply := range []string{"I think it's right", "[1,2]", "{broken"} {
		gen := llm.GeneratorFunc(func(context.Context, string, string) (string, error) { return reply, nil })
		res, ok := New(gen, zaptest.NewLogger(t)).Verify(context.Background(), "q", "r")
		assert.False(t, ok)
		assert.False(t, res.IsCorrect)
		assert.NotEmpty(t, res.Issues)
		assert.Equal(t, SafeDefault(), res)
	}
}

func TestVerifyCallError(t *testing.T) {
	gen := llm.GeneratorFunc(func(context.Context, string, string) (string, error) { return "", errors.New("503") })
	res, ok := New(gen, zaptest.NewLogger(t)).Verify(context.Background(), "q", "r")
	assert.False(t, ok)
	assert.Equal(t, []string{FailureIssue}, res.Issues)
	assert.Equal(t, FailureAdvice, res.ImprovedAnswer)
}

func TestVerifyPassesProblemAndSolution(t *testing.T) {
	var gotUser string
	gen := llm.GeneratorFunc(func(_ context.Context, _ string, user string) (string, error) {
		gotUser = user
		return `{"is_correct": true, "issues": [], "improved_answer": "x = 4 or x = -4"}`, nil
	})
	res, ok := New(gen, zaptest.NewLogger(t)).Verify(context.Background(), "Solve x^2=16", "x = 4")
	require.True(t, ok)
	assert.True(t, res.IsCorrect)
	assert.Contains(t, gotUser, "Problem:\nSolve x^2=16")
	assert.Contains(t, gotUser, "Solution to verify:\nx = 4")
}
