package workflows

import (
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// SolveWorkflow runs one pipeline turn and optionally waits for feedback.
func SolveWorkflow(ctx workflow.Context, in SolveInput) (SolveResult, error) {
	logger := workflow.GetLogger(ctx)
	if in.ThreadID == "" {
		in.ThreadID = workflow.GetInfo(ctx).WorkflowExecution.ID
	}
	logger.Info("Starting SolveWorkflow", "thread_id", in.ThreadID)

	result := SolveResult{ThreadID: in.ThreadID, State: "start"}
	if err := workflow.SetQueryHandler(ctx, QueryTurnState, func() (SolveResult, error) {
		return result, nil
	}); err != nil {
		return result, err
	}

	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    3,
		},
	})
	if err := workflow.ExecuteActivity(actx, ActivitySolveTurn, in).Get(ctx, &result); err != nil {
		logger.Error("Solve turn failed", "error", err)
		return result, err
	}
	logger.Info("Turn finished", "state", result.State, "retry_count", result.RetryCount)

	if in.FeedbackWindow <= 0 {
		return result, nil
	}

	// Empty feedback signals are ignored; the window keeps running.
	var fb FeedbackSignal
	received, timedOut := false, false
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(workflow.GetSignalChannel(ctx, SignalFeedback), func(c workflow.ReceiveChannel, _ bool) {
		var sig FeedbackSignal
		c.Receive(ctx, &sig)
		if sig.Feedback != "" {
			fb, received = sig, true
		}
	})
	sel.AddFuture(workflow.NewTimer(ctx, in.FeedbackWindow), func(workflow.Future) {
		timedOut = true
	})
	for !received && !timedOut {
		sel.Select(ctx)
	}
	if !received {
		logger.Info("Feedback window closed without feedback")
		return result, nil
	}

	fctx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	if err := workflow.ExecuteActivity(fctx, ActivityRecordFeedback, FeedbackInput{
		ThreadID: in.ThreadID,
		Feedback: fb.Feedback,
	}).Get(ctx, nil); err != nil {
		logger.Warn("Recording feedback failed", "error", err)
		return result, nil
	}
	result.Feedback = fb.Feedback
	return result, nil
}

// Registry is satisfied by a worker and by the test environment.
type Registry interface {
	RegisterWorkflow(w interface{})
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register adds the workflow and activities to r.
func Register(r Registry, acts *Activities) {
	r.RegisterWorkflow(SolveWorkflow)
	r.RegisterActivityWithOptions(acts.SolveTurn, activity.RegisterOptions{Name: ActivitySolveTurn})
	r.RegisterActivityWithOptions(acts.RecordFeedback, activity.RegisterOptions{Name: ActivityRecordFeedback})
}
