package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/decompose"
	"github.com/Kocoro-lab/mathagent/internal/finalize"
	"github.com/Kocoro-lab/mathagent/internal/guardrail"
	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/rerank"
	"github.com/Kocoro-lab/mathagent/internal/retrieval"
	"github.com/Kocoro-lab/mathagent/internal/session"
	"github.com/Kocoro-lab/mathagent/internal/streaming"
	"github.com/Kocoro-lab/mathagent/internal/tracing"
)

// GenericFailure is the only answer a run that panicked can produce.
const GenericFailure = "Sorry, something went wrong while solving this problem. Please try again."

const DefaultRetryCap = 2

var (
	ErrNothingToResume = errors.New("thread has no interrupted turn")
	ErrCanceled        = errors.New("pipeline run canceled")
)

// Stage collaborators. The concrete types live in their own packages.
type (
	Filter interface {
		Check(ctx context.Context, query string) guardrail.Verdict
	}
	Decomposer interface {
		Decompose(ctx context.Context, query string) decompose.Result
	}
	Retriever interface {
		Retrieve(ctx context.Context, query string, filters models.Filters, topK int) retrieval.Result
	}
	Searcher interface {
		Search(ctx context.Context, query string) []models.ExternalHit
	}
	Merger interface {
		Merge(ctx context.Context, query string, needsFallback bool, local []models.RetrievalHit, web []models.ExternalHit) rerank.Outcome
	}
	Reasoner interface {
		Reason(ctx context.Context, query string, ranked []models.RankedCandidate) string
	}
	Verifier interface {
		Verify(ctx context.Context, query, reasoning string) (models.VerificationResult, bool)
	}
)

// Store keeps thread checkpoints.
type Store interface {
	Checkpoint(ctx context.Context, st *models.SessionState) error
	Get(ctx context.Context, threadID string) (*session.Thread, error)
	AttachFeedback(ctx context.Context, threadID, feedback string) (session.Turn, error)
}

// Recorder receives every finalized session.
type Recorder interface {
	Record(ctx context.Context, st *models.SessionState)
}

// Publisher receives stage events.
type Publisher interface {
	Publish(threadID string, evt streaming.Event)
}

// Stages groups the stage implementations. All are required.
type Stages struct {
	Filter     Filter
	Decomposer Decomposer
	Retriever  Retriever
	Searcher   Searcher
	Merger     Merger
	Reasoner   Reasoner
	Verifier   Verifier
}

func (s Stages) validate() error {
	var missing []string
	if s.Filter == nil {
		missing = append(missing, "filter")
	}
	if s.Decomposer == nil {
		missing = append(missing, "decomposer")
	}
	if s.Retriever == nil {
		missing = append(missing, "retriever")
	}
	if s.Searcher == nil {
		missing = append(missing, "searcher")
	}
	if s.Merger == nil {
		missing = append(missing, "merger")
	}
	if s.Reasoner == nil {
		missing = append(missing, "reasoner")
	}
	if s.Verifier == nil {
		missing = append(missing, "verifier")
	}
	if len(missing) > 0 {
		return fmt.Errorf("pipeline: missing stages: %s", strings.Join(missing, ", "))
	}
	return nil
}

type Options struct {
	RetryCap     int
	TopK         int
	StageTimeout time.Duration
	RunTimeout   time.Duration

	// Optional collaborators.
	Store     Store
	Recorder  Recorder
	Publisher Publisher
}

// Request starts a new turn. An empty ThreadID starts a new thread.
type Request struct {
	ThreadID string
	Query    string
	Filters  models.Filters
	TopK     int
}

// Engine drives sessions through the state machine. One Engine serves any
// number of concurrent sessions; each session is owned by its Run call.
type Engine struct {
	stages Stages
	opts   Options
	logger *zap.Logger
}

func NewEngine(stages Stages, opts Options, logger *zap.Logger) (*Engine, error) {
	if err := stages.validate(); err != nil {
		return nil, err
	}
	if opts.RetryCap < 0 {
		opts.RetryCap = DefaultRetryCap
	}
	if opts.TopK <= 0 {
		opts.TopK = retrieval.DefaultTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{stages: stages, opts: opts, logger: logger}, nil
}

// Run executes one turn to a terminal state. The returned state is never
// nil. The error is non-nil only when ctx ended the run early; the state
// then holds the last completed transition and no final answer. A run that
// outlives Options.RunTimeout still returns a terminal state and no error.
func (e *Engine) Run(ctx context.Context, req Request) (*models.SessionState, error) {
	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		threadID = uuid.New().String()
	}
	topK := req.TopK
	if topK <= 0 {
		topK = e.opts.TopK
	}
	st := models.NewSessionState(threadID, uuid.New().String(), req.Query, req.Filters, topK)
	st.State = string(StateStart)
	return e.drive(ctx, st)
}

// Resume continues the thread's interrupted turn from its last checkpoint.
func (e *Engine) Resume(ctx context.Context, threadID string) (*models.SessionState, error) {
	if e.opts.Store == nil {
		return nil, ErrNothingToResume
	}
	th, err := e.opts.Store.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !th.Resumable() || !State(th.Checkpoint.State).Known() {
		return nil, ErrNothingToResume
	}
	e.logger.Info("Resuming thread",
		zap.String("thread_id", threadID),
		zap.String("state", th.Checkpoint.State),
		zap.Int("retry_count", th.Checkpoint.RetryCount),
	)
	return e.drive(ctx, th.Checkpoint)
}

// RecordFeedback attaches human feedback to the thread's latest turn and
// logs it with the turn's context.
func (e *Engine) RecordFeedback(ctx context.Context, threadID, feedback string) (session.Turn, error) {
	if e.opts.Store == nil {
		return session.Turn{}, session.ErrThreadNotFound
	}
	turn, err := e.opts.Store.AttachFeedback(ctx, threadID, feedback)
	if err != nil {
		return session.Turn{}, err
	}
	if e.opts.Recorder != nil {
		th, err := e.opts.Store.Get(ctx, threadID)
		if err == nil && th.Checkpoint != nil && th.Checkpoint.TurnID == turn.TurnID {
			e.opts.Recorder.Record(ctx, th.Checkpoint)
		}
	}
	e.publish(threadID, streaming.Event{
		TurnID:  turn.TurnID,
		Type:    streaming.EventFeedback,
		Message: turn.Feedback,
	})
	return turn, nil
}

func (e *Engine) drive(ctx context.Context, st *models.SessionState) (out *models.SessionState, err error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "pipeline.run")
	span.SetAttributes(
		attribute.String("mathagent.thread_id", st.ThreadID),
		attribute.String("mathagent.turn_id", st.TurnID),
	)
	defer span.End()

	// Stages run under runCtx. Only the caller's ctx aborts the run; an
	// expired run deadline ends it in a terminal state instead.
	runCtx := ctx
	if e.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.RunTimeout)
		defer cancel()
	}

	logger := e.logger.With(zap.String("thread_id", st.ThreadID), zap.String("turn_id", st.TurnID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Pipeline panicked",
				zap.Any("panic", r),
				zap.String("state", st.State),
				zap.ByteString("stack", debug.Stack()),
			)
			span.SetStatus(codes.Error, "panic")
			st.State = string(StateFailed)
			st.Trail = append(st.Trail, st.State)
			st.FinalAnswer = GenericFailure
			st.UpdatedAt = time.Now().UTC()
			e.checkpoint(ctx, st, logger)
			e.publish(st.ThreadID, streaming.Event{TurnID: st.TurnID, Type: streaming.EventFailed, State: st.State, Message: GenericFailure})
			metrics.PipelineRuns.WithLabelValues(string(StateFailed)).Inc()
			out, err = st, nil
		}
	}()

	for !State(st.State).Terminal() {
		if cerr := ctx.Err(); cerr != nil {
			return e.canceled(st, cerr, logger, span)
		}
		if runCtx.Err() != nil {
			e.expire(ctx, st, logger)
			span.SetAttributes(attribute.Bool("mathagent.run_expired", true))
			break
		}

		work := st.Clone()
		from := State(work.State)
		next := e.step(runCtx, work, from, logger)

		// A stage finishing after cancellation must not leak its results.
		// Results degraded by the run deadline are kept.
		if cerr := ctx.Err(); cerr != nil {
			return e.canceled(st, cerr, logger, span)
		}
		if !Allowed(from, next) {
			panic(&TransitionError{From: from, To: next})
		}
		*st = *work
		e.enter(ctx, st, from, next, logger)
	}

	metrics.PipelineRuns.WithLabelValues(st.State).Inc()
	metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("mathagent.terminal_state", st.State),
		attribute.Int("mathagent.retry_count", st.RetryCount),
	)
	logger.Info("Pipeline finished",
		zap.String("state", st.State),
		zap.Int("retry_count", st.RetryCount),
		zap.Bool("needs_fallback", st.NeedsFallback),
		zap.Bool("unverified_at_cap", st.UnverifiedAtCap),
		zap.Duration("elapsed", time.Since(start)),
	)

	if State(st.State) == StateFinalized && e.opts.Recorder != nil {
		e.opts.Recorder.Record(ctx, st.Clone())
	}
	return st, nil
}

func (e *Engine) canceled(st *models.SessionState, cause error, logger *zap.Logger, span oteltrace.Span) (*models.SessionState, error) {
	logger.Info("Pipeline canceled", zap.String("state", st.State), zap.Error(cause))
	span.SetStatus(codes.Error, "canceled")
	metrics.PipelineRuns.WithLabelValues("canceled").Inc()
	return st, fmt.Errorf("%w: %v", ErrCanceled, cause)
}

// expire ends a run whose deadline passed before it reached a terminal
// state. A run that already produced reasoning finalizes it with whatever
// verdict matches it; one that did not fails with GenericFailure. Reasoning
// sitting in verifying has not been judged yet, so the earlier verdict is
// ignored and the answer is marked unverified.
func (e *Engine) expire(ctx context.Context, st *models.SessionState, logger *zap.Logger) {
	from := State(st.State)
	v := st.Verification
	if from == StateVerifying {
		v = nil
	}
	to := StateFailed
	st.FinalAnswer = GenericFailure
	if answer := finalize.Answer(st.ReasoningText, v); st.ReasoningText != "" && answer != "" {
		st.FinalAnswer = answer
		st.UnverifiedAtCap = v == nil || !v.IsCorrect
		to = StateFinalized
	}
	logger.Warn("Run deadline exceeded, ending run",
		zap.String("state", string(from)),
		zap.String("terminal_state", string(to)),
		zap.Duration("run_timeout", e.opts.RunTimeout),
	)
	e.enter(ctx, st, from, to, logger)
}

// enter records the transition, checkpoints and publishes it.
func (e *Engine) enter(ctx context.Context, st *models.SessionState, from, to State, logger *zap.Logger) {
	st.State = string(to)
	st.Trail = append(st.Trail, string(to))
	st.UpdatedAt = time.Now().UTC()
	logger.Debug("Transition", zap.String("from", string(from)), zap.String("to", string(to)))

	e.checkpoint(ctx, st, logger)

	evt := streaming.Event{
		TurnID: st.TurnID,
		Type:   streaming.EventTransition,
		State:  string(to),
		Data:   map[string]interface{}{"from": string(from), "retry_count": st.RetryCount},
	}
	switch to {
	case StateRejected:
		evt.Type = streaming.EventRejected
		evt.Message = st.FinalAnswer
	case StateFinalized:
		evt.Type = streaming.EventCompleted
		evt.Message = st.FinalAnswer
	case StateFailed:
		evt.Type = streaming.EventFailed
		evt.Message = st.FinalAnswer
	}
	e.publish(st.ThreadID, evt)
}

func (e *Engine) checkpoint(ctx context.Context, st *models.SessionState, logger *zap.Logger) {
	if e.opts.Store == nil {
		return
	}
	if err := e.opts.Store.Checkpoint(context.WithoutCancel(ctx), st); err != nil {
		logger.Warn("Checkpoint failed", zap.String("state", st.State), zap.Error(err))
	}
}

func (e *Engine) publish(threadID string, evt streaming.Event) {
	if e.opts.Publisher != nil {
		e.opts.Publisher.Publish(threadID, evt)
	}
}

// step runs the stage for state s against st and returns the next state.
func (e *Engine) step(ctx context.Context, st *models.SessionState, s State, logger *zap.Logger) State {
	switch s {
	case StateStart:
		return StateFiltering
	case StateRetry:
		st.RetryCount++
		metrics.Retries.Inc()
		logger.Info("Verification failed, retrying with fresh external search",
			zap.Int("retry_count", st.RetryCount),
			zap.Int("retry_cap", e.opts.RetryCap),
		)
		return StateFetchingExternal
	case StateFinalize:
		st.FinalAnswer = finalize.Answer(st.ReasoningText, st.Verification)
		st.UnverifiedAtCap = st.Verification == nil || !st.Verification.IsCorrect
		if st.UnverifiedAtCap {
			logger.Warn("Finalizing an answer the verifier did not accept", zap.Int("retry_count", st.RetryCount))
		}
		return StateFinalized
	}

	stageCtx, span := tracing.StartStageSpan(ctx, string(s), st.ThreadID)
	defer span.End()
	if e.opts.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(stageCtx, e.opts.StageTimeout)
		defer cancel()
	}
	started := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(string(s)).Observe(time.Since(started).Seconds())
	}()

	switch s {
	case StateFiltering:
		v := e.stages.Filter.Check(stageCtx, st.Query)
		st.SafetyFlag = v.Safe
		st.TopicFlag = v.OnTopic
		if !v.Accepted {
			st.RejectReason = string(v.Reason)
			st.FinalAnswer = v.Message
			metrics.Rejections.WithLabelValues(string(v.Reason)).Inc()
			logger.Info("Query rejected", zap.String("reason", string(v.Reason)))
		}
		return AfterFiltering(v.Accepted)

	case StateDecomposing:
		res := e.stages.Decomposer.Decompose(stageCtx, st.Query)
		if len(res.SubQueries) == 0 {
			res.SubQueries = []string{st.Query}
		}
		st.SubQueries = res.SubQueries
		st.DecompositionPath = string(res.Path)
		return StateRetrieving

	case StateRetrieving:
		res := e.stages.Retriever.Retrieve(stageCtx, st.PrimaryQuery(), st.Filters, st.TopK)
		st.LocalCandidates = res.Hits
		st.NeedsFallback = res.NeedsFallback
		st.FiltersDropped = res.FiltersDropped
		if res.TopK > 0 {
			st.TopK = res.TopK
		}
		span.SetAttributes(
			attribute.Int("mathagent.local_hits", len(res.Hits)),
			attribute.Bool("mathagent.needs_fallback", res.NeedsFallback),
		)
		return AfterRetrieving(res.NeedsFallback)

	case StateFetchingExternal:
		st.WebCandidates = e.stages.Searcher.Search(stageCtx, st.Query)
		span.SetAttributes(attribute.Int("mathagent.web_hits", len(st.WebCandidates)))
		return StateMerging

	case StateMerging:
		out := e.stages.Merger.Merge(stageCtx, st.Query, st.NeedsFallback, st.LocalCandidates, st.WebCandidates)
		st.RankedCandidates = out.Ranked
		st.RerankDegraded = out.Degraded
		return StateReasoning

	case StateReasoning:
		st.ReasoningText = e.stages.Reasoner.Reason(stageCtx, st.Query, st.RankedCandidates)
		return StateVerifying

	case StateVerifying:
		v, ok := e.stages.Verifier.Verify(stageCtx, st.Query, st.ReasoningText)
		st.Verification = &v
		span.SetAttributes(
			attribute.Bool("mathagent.is_correct", v.IsCorrect),
			attribute.Bool("mathagent.verifier_ok", ok),
		)
		return AfterVerifying(st.RetryCount, e.opts.RetryCap, st.Verification)
	}

	panic(fmt.Sprintf("pipeline: no stage for state %q", s))
}
