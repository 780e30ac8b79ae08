package workflows

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/pipeline"
	"github.com/Kocoro-lab/mathagent/internal/session"
)

type fakeSolver struct {
	mu        sync.Mutex
	runs      int
	resumes   int
	failFirst bool
	feedback  []string
}

func (f *fakeSolver) state(threadID string) *models.SessionState {
	st := models.NewSessionState(threadID, "turn-1", "solve x+1=2", models.Filters{}, 5)
	st.State = "finalized"
	st.FinalAnswer = "x = 1"
	st.Verification = &models.VerificationResult{IsCorrect: true}
	return st
}

func (f *fakeSolver) Run(_ context.Context, req pipeline.Request) (*models.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	if f.failFirst && f.runs == 1 {
		st := models.NewSessionState(req.ThreadID, "turn-1", req.Query, req.Filters, req.TopK)
		st.State = "reasoning"
		return st, pipeline.ErrCanceled
	}
	return f.state(req.ThreadID), nil
}

func (f *fakeSolver) Resume(_ context.Context, threadID string) (*models.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	if !f.failFirst {
		return nil, pipeline.ErrNothingToResume
	}
	return f.state(threadID), nil
}

func (f *fakeSolver) RecordFeedback(_ context.Context, threadID, fb string) (session.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if threadID == "" {
		return session.Turn{}, session.ErrThreadNotFound
	}
	f.feedback = append(f.feedback, fb)
	return session.Turn{TurnID: "turn-1", Feedback: fb}, nil
}

func newEnv(t *testing.T, solver *fakeSolver) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	Register(env, NewActivities(solver, zaptest.NewLogger(t)))
	return env
}

func TestSolveWorkflow(t *testing.T) {
	solver := &fakeSolver{}
	env := newEnv(t, solver)

	env.ExecuteWorkflow(SolveWorkflow, SolveInput{ThreadID: "thread-1", Query: "solve x+1=2"})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res SolveResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, "x = 1", res.FinalAnswer)
	assert.Equal(t, "thread-1", res.ThreadID)
	assert.False(t, res.Resumed)
	assert.Equal(t, 1, solver.runs)
	assert.Equal(t, 0, solver.resumes)
}

func TestSolveWorkflowRetryResumesFromCheckpoint(t *testing.T) {
	solver := &fakeSolver{failFirst: true}
	env := newEnv(t, solver)

	env.ExecuteWorkflow(SolveWorkflow, SolveInput{ThreadID: "thread-2", Query: "solve x+1=2"})
	require.NoError(t, env.GetWorkflowError())

	var res SolveResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.True(t, res.Resumed)
	assert.Equal(t, "finalized", res.State)
	assert.Equal(t, 1, solver.runs)
	assert.Equal(t, 1, solver.resumes)
}

func TestSolveWorkflowFeedbackSignal(t *testing.T) {
	solver := &fakeSolver{}
	env := newEnv(t, solver)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalFeedback, FeedbackSignal{})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		var q SolveResult
		v, err := env.QueryWorkflow(QueryTurnState)
		require.NoError(t, err)
		require.NoError(t, v.Get(&q))
		assert.Equal(t, "x = 1", q.FinalAnswer)
		env.SignalWorkflow(SignalFeedback, FeedbackSignal{Feedback: "clear steps"})
	}, 2*time.Minute)

	env.ExecuteWorkflow(SolveWorkflow, SolveInput{ThreadID: "thread-3", Query: "q", FeedbackWindow: time.Hour})
	require.NoError(t, env.GetWorkflowError())

	var res SolveResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, "clear steps", res.Feedback)
	assert.Equal(t, []string{"clear steps"}, solver.feedback)
}

func TestSolveWorkflowFeedbackWindowExpires(t *testing.T) {
	solver := &fakeSolver{}
	env := newEnv(t, solver)

	env.ExecuteWorkflow(SolveWorkflow, SolveInput{ThreadID: "thread-4", Query: "q", FeedbackWindow: 10 * time.Minute})
	require.NoError(t, env.GetWorkflowError())

	var res SolveResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Empty(t, res.Feedback)
	assert.Empty(t, solver.feedback)
}
