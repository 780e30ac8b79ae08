package workflows

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/pipeline"
	"github.com/Kocoro-lab/mathagent/internal/session"
)

// Activity names
const (
	ActivitySolveTurn      = "SolveTurn"
	ActivityRecordFeedback = "RecordFeedback"
)

// Solver is the engine surface used by the activities.
type Solver interface {
	Run(ctx context.Context, req pipeline.Request) (*models.SessionState, error)
	Resume(ctx context.Context, threadID string) (*models.SessionState, error)
	RecordFeedback(ctx context.Context, threadID, feedback string) (session.Turn, error)
}

// Activities wraps the engine for the worker.
type Activities struct {
	solver Solver
	logger *zap.Logger
}

func NewActivities(solver Solver, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{solver: solver, logger: logger}
}

// SolveTurn runs the turn. A retried attempt continues from the thread's
// checkpoint instead of starting over.
func (a *Activities) SolveTurn(ctx context.Context, in SolveInput) (SolveResult, error) {
	info := activity.GetInfo(ctx)
	logger := a.logger.With(
		zap.String("thread_id", in.ThreadID),
		zap.String("workflow_id", info.WorkflowExecution.ID),
		zap.Int32("attempt", info.Attempt),
	)

	if info.Attempt > 1 {
		st, err := a.solver.Resume(ctx, in.ThreadID)
		switch {
		case err == nil:
			logger.Info("Resumed turn from checkpoint", zap.String("state", st.State))
			return resultFor(st, true), nil
		case !errors.Is(err, pipeline.ErrNothingToResume) && !errors.Is(err, session.ErrThreadNotFound):
			return SolveResult{}, fmt.Errorf("resume thread %s: %w", in.ThreadID, err)
		}
		logger.Info("No checkpoint to resume, starting turn")
	}

	st, err := a.solver.Run(ctx, pipeline.Request{
		ThreadID: in.ThreadID,
		Query:    in.Query,
		Filters:  in.Filters,
		TopK:     in.TopK,
	})
	if err != nil {
		// Retryable; the next attempt resumes from the checkpoint.
		return SolveResult{}, fmt.Errorf("solve turn: %w", err)
	}
	return resultFor(st, false), nil
}

// RecordFeedback attaches feedback to the thread's latest turn.
func (a *Activities) RecordFeedback(ctx context.Context, in FeedbackInput) error {
	_, err := a.solver.RecordFeedback(ctx, in.ThreadID, in.Feedback)
	if errors.Is(err, session.ErrThreadNotFound) || errors.Is(err, session.ErrNoTurns) {
		return temporal.NewNonRetryableApplicationError(err.Error(), "FeedbackTargetMissing", err)
	}
	return err
}
