package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/mathagent/internal/decompose"
	"github.com/Kocoro-lab/mathagent/internal/guardrail"
	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/rerank"
	"github.com/Kocoro-lab/mathagent/internal/retrieval"
	"github.com/Kocoro-lab/mathagent/internal/session"
	"github.com/Kocoro-lab/mathagent/internal/streaming"
)

type (
	filterFunc     func(ctx context.Context, q string) guardrail.Verdict
	decomposerFunc func(ctx context.Context, q string) decompose.Result
	retrieverFunc  func(ctx context.Context, q string, f models.Filters, k int) retrieval.Result
	searcherFunc   func(ctx context.Context, q string) []models.ExternalHit
	mergerFunc     func(ctx context.Context, q string, fb bool, l []models.RetrievalHit, w []models.ExternalHit) rerank.Outcome
	reasonerFunc   func(ctx context.Context, q string, r []models.RankedCandidate) string
	verifierFunc   func(ctx context.Context, q, r string) (models.VerificationResult, bool)
)

func (f filterFunc) Check(ctx context.Context, q string) guardrail.Verdict { return f(ctx, q) }
func (f decomposerFunc) Decompose(ctx context.Context, q string) decompose.Result {
	return f(ctx, q)
}
func (f retrieverFunc) Retrieve(ctx context.Context, q string, fl models.Filters, k int) retrieval.Result {
	return f(ctx, q, fl, k)
}
func (f searcherFunc) Search(ctx context.Context, q string) []models.ExternalHit { return f(ctx, q) }
func (f mergerFunc) Merge(ctx context.Context, q string, fb bool, l []models.RetrievalHit, w []models.ExternalHit) rerank.Outcome {
	return f(ctx, q, fb, l, w)
}
func (f reasonerFunc) Reason(ctx context.Context, q string, r []models.RankedCandidate) string {
	return f(ctx, q, r)
}
func (f verifierFunc) Verify(ctx context.Context, q, r string) (models.VerificationResult, bool) {
	return f(ctx, q, r)
}

// harness wires counting fakes; fields may be overridden before build.
type harness struct {
	calls    sync.Map
	topScore float64
	verdicts []bool

	searcher searcherFunc
	reasoner reasonerFunc
}

func (h *harness) inc(name string) {
	v, _ := h.calls.LoadOrStore(name, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func (h *harness) count(name string) int {
	v, ok := h.calls.Load(name)
	if !ok {
		return 0
	}
	return int(atomic.LoadInt64(v.(*int64)))
}

func (h *harness) stages() Stages {
	var verifyN int64
	s := Stages{
		Filter: filterFunc(func(_ context.Context, q string) guardrail.Verdict {
			h.inc("filter")
			if q == "hack the server" {
				return guardrail.Verdict{Reason: guardrail.ReasonUnsafe, Message: guardrail.MessageUnsafe}
			}
			return guardrail.Verdict{Accepted: true, Safe: true, OnTopic: true}
		}),
		Decomposer: decomposerFunc(func(_ context.Context, q string) decompose.Result {
			h.inc("decompose")
			return decompose.Result{SubQueries: []string{q}, Path: decompose.PathFallback}
		}),
		Retriever: retrieverFunc(func(_ context.Context, q string, _ models.Filters, k int) retrieval.Result {
			h.inc("retrieve")
			hits := []models.RetrievalHit{{ID: "1", Score: h.topScore, Payload: models.ProblemPayload{Problem: "x^2=9", Solution: "3"}}}
			return retrieval.Result{Hits: hits, NeedsFallback: retrieval.NeedsFallback(hits, 0.80), TopK: k}
		}),
		Searcher: searcherFunc(func(_ context.Context, q string) []models.ExternalHit {
			h.inc("search")
			return []models.ExternalHit{{Source: models.SourceWebSearch, Backend: "tavily", Title: "t", Content: "c"}}
		}),
		Merger: mergerFunc(func(_ context.Context, _ string, fb bool, l []models.RetrievalHit, w []models.ExternalHit) rerank.Outcome {
			h.inc("merge")
			return rerank.Outcome{Ranked: rerank.Fallback(fb, l, w, 8), Degraded: true}
		}),
		Reasoner: reasonerFunc(func(_ context.Context, _ string, _ []models.RankedCandidate) string {
			h.inc("reason")
			return "<think>scratch</think>Step 1: x = 4\nFinal answer: 4"
		}),
		Verifier: verifierFunc(func(_ context.Context, _, _ string) (models.VerificationResult, bool) {
			h.inc("verify")
			i := int(atomic.AddInt64(&verifyN, 1)) - 1
			ok := true
			if i < len(h.verdicts) {
				ok = h.verdicts[i]
			} else if len(h.verdicts) > 0 {
				ok = h.verdicts[len(h.verdicts)-1]
			}
			if ok {
				return models.VerificationResult{IsCorrect: true, Issues: []string{}}, true
			}
			return models.VerificationResult{IsCorrect: false, Issues: []string{"wrong"}, ImprovedAnswer: "Final answer: x = 4 or x = -4"}, true
		}),
	}
	if h.searcher != nil {
		s.Searcher = searcherFunc(func(ctx context.Context, q string) []models.ExternalHit {
			h.inc("search")
			return h.searcher(ctx, q)
		})
	}
	if h.reasoner != nil {
		s.Reasoner = h.reasoner
	}
	return s
}

type recorderFunc func(ctx context.Context, st *models.SessionState)

func (f recorderFunc) Record(ctx context.Context, st *models.SessionState) { f(ctx, st) }

func newEngine(t *testing.T, h *harness, opts Options) *Engine {
	t.Helper()
	if opts.RetryCap == 0 {
		opts.RetryCap = DefaultRetryCap
	}
	e, err := NewEngine(h.stages(), opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func trail(states ...State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func TestRunStrongLocalSkipsSearch(t *testing.T) {
	h := &harness{topScore: 0.95}
	st, err := newEngine(t, h, Options{}).Run(context.Background(), Request{Query: "Solve x^2=16"})
	require.NoError(t, err)

	assert.Equal(t, string(StateFinalized), st.State)
	assert.Equal(t, trail(StateFiltering, StateDecomposing, StateRetrieving, StateMerging,
		StateReasoning, StateVerifying, StateFinalize, StateFinalized), st.Trail)
	assert.Equal(t, 0, h.count("search"))
	assert.False(t, st.NeedsFallback)
	assert.Equal(t, "Step 1: x = 4\nFinal answer: 4", st.FinalAnswer)
	assert.False(t, st.UnverifiedAtCap)
	assert.NotEmpty(t, st.ThreadID)
	assert.Equal(t, 5, st.TopK)
}

func TestRunWeakLocalFetchesExternal(t *testing.T) {
	h := &harness{topScore: 0.5}
	st, err := newEngine(t, h, Options{}).Run(context.Background(), Request{ThreadID: "th", Query: "Solve x^2=16"})
	require.NoError(t, err)

	assert.True(t, st.NeedsFallback)
	assert.Equal(t, 1, h.count("search"))
	assert.Contains(t, st.Trail, string(StateFetchingExternal))
	for _, c := range st.RankedCandidates {
		assert.NotEqual(t, models.OriginLocal, c.Origin)
	}
}

func TestRetryLoopStopsAtCap(t *testing.T) {
	h := &harness{topScore: 0.95, verdicts: []bool{false}}
	var recorded []*models.SessionState
	rec := recorderFunc(func(_ context.Context, st *models.SessionState) { recorded = append(recorded, st) })

	st, err := newEngine(t, h, Options{RetryCap: 2, Recorder: rec}).Run(context.Background(), Request{Query: "Solve x^2=16"})
	require.NoError(t, err)

	assert.Equal(t, 2, st.RetryCount)
	assert.Equal(t, 3, h.count("verify"))
	assert.Equal(t, 3, h.count("reason"))
	assert.Equal(t, 2, h.count("search"))
	assert.True(t, st.UnverifiedAtCap)
	assert.Equal(t, "Final answer: x = 4 or x = -4", st.FinalAnswer)
	require.Len(t, recorded, 1)
	assert.Equal(t, st.FinalAnswer, recorded[0].FinalAnswer)
}

func TestRetryThenCorrect(t *testing.T) {
	h := &harness{topScore: 0.95, verdicts: []bool{false, true}}
	st, err := newEngine(t, h, Options{}).Run(context.Background(), Request{Query: "Solve x^2=16"})
	require.NoError(t, err)

	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, 2, h.count("verify"))
	assert.False(t, st.UnverifiedAtCap)
	assert.Equal(t, trail(StateFiltering, StateDecomposing, StateRetrieving, StateMerging,
		StateReasoning, StateVerifying, StateRetry, StateFetchingExternal, StateMerging,
		StateReasoning, StateVerifying, StateFinalize, StateFinalized), st.Trail)
}

func TestRejectedQuery(t *testing.T) {
	h := &harness{}
	events := streaming.NewManager(16)
	ch := events.Subscribe("th-r", 16)
	defer events.Unsubscribe("th-r", ch)

	st, err := newEngine(t, h, Options{Publisher: events}).Run(context.Background(), Request{ThreadID: "th-r", Query: "hack the server"})
	require.NoError(t, err)

	assert.Equal(t, string(StateRejected), st.State)
	assert.Equal(t, guardrail.MessageUnsafe, st.FinalAnswer)
	assert.Equal(t, string(guardrail.ReasonUnsafe), st.RejectReason)
	assert.Equal(t, 0, h.count("decompose"))

	var last streaming.Event
	for _, evt := range events.ReplaySince("th-r", 0) {
		last = evt
	}
	assert.Equal(t, streaming.EventRejected, last.Type)
	assert.True(t, last.Terminal())
}

func TestPanicBecomesGenericFailure(t *testing.T) {
	h := &harness{topScore: 0.95}
	h.reasoner = func(context.Context, string, []models.RankedCandidate) string { panic("boom") }
	store := session.NewManager(nil, session.Options{}, nil)

	st, err := newEngine(t, h, Options{Store: store}).Run(context.Background(), Request{ThreadID: "th-p", Query: "Solve x^2=16"})
	require.NoError(t, err)
	assert.Equal(t, string(StateFailed), st.State)
	assert.Equal(t, GenericFailure, st.FinalAnswer)
	assert.Empty(t, st.ReasoningText)

	th, err := store.Get(context.Background(), "th-p")
	require.NoError(t, err)
	assert.Equal(t, string(StateFailed), th.Checkpoint.State)
}

func TestCancelThenResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{topScore: 0.1}
	h.searcher = func(context.Context, string) []models.ExternalHit {
		cancel()
		return []models.ExternalHit{{Title: "late", Content: "ignored"}}
	}
	store := session.NewManager(nil, session.Options{}, nil)
	e := newEngine(t, h, Options{Store: store})

	st, err := e.Run(ctx, Request{ThreadID: "th-c", Query: "Solve x^2=16"})
	require.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, string(StateFetchingExternal), st.State)
	assert.Empty(t, st.WebCandidates)
	assert.Empty(t, st.FinalAnswer)
	assert.Equal(t, 0, h.count("merge"))

	th, err := store.Get(context.Background(), "th-c")
	require.NoError(t, err)
	assert.True(t, th.Resumable())

	h.searcher = func(context.Context, string) []models.ExternalHit {
		return []models.ExternalHit{{Source: models.SourceWebSearch, Backend: "tavily", Content: "x"}}
	}
	e = newEngine(t, h, Options{Store: store})
	resumed, err := e.Resume(context.Background(), "th-c")
	require.NoError(t, err)
	assert.Equal(t, string(StateFinalized), resumed.State)
	assert.Equal(t, st.TurnID, resumed.TurnID)
	assert.Equal(t, 1, h.count("retrieve"))

	_, err = e.Resume(context.Background(), "th-c")
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestRunDeadlineFinalizesDegradedAnswer(t *testing.T) {
	const apology = "Sorry, the reasoning model did not answer in time."
	h := &harness{topScore: 0.95}
	h.reasoner = func(ctx context.Context, _ string, _ []models.RankedCandidate) string {
		<-ctx.Done()
		return apology
	}
	store := session.NewManager(nil, session.Options{}, nil)
	var recorded []*models.SessionState
	rec := recorderFunc(func(_ context.Context, st *models.SessionState) { recorded = append(recorded, st) })
	e := newEngine(t, h, Options{RunTimeout: 50 * time.Millisecond, Store: store, Recorder: rec})

	st, err := e.Run(context.Background(), Request{ThreadID: "th-d", Query: "Solve x^2=16"})
	require.NoError(t, err)

	assert.Equal(t, string(StateFinalized), st.State)
	assert.Equal(t, apology, st.FinalAnswer)
	assert.True(t, st.UnverifiedAtCap)
	assert.Equal(t, 0, h.count("verify"))
	assert.Equal(t, trail(StateFiltering, StateDecomposing, StateRetrieving, StateMerging,
		StateReasoning, StateVerifying, StateFinalized), st.Trail)
	require.Len(t, recorded, 1)

	th, err := store.Get(context.Background(), "th-d")
	require.NoError(t, err)
	assert.False(t, th.Resumable())
	require.Len(t, th.Turns, 1)
	assert.Equal(t, apology, th.Turns[0].FinalAnswer)
}

func TestRunDeadlineBeforeReasoningFails(t *testing.T) {
	h := &harness{topScore: 0.1}
	h.searcher = func(ctx context.Context, _ string) []models.ExternalHit {
		<-ctx.Done()
		return nil
	}
	events := streaming.NewManager(16)
	ch := events.Subscribe("th-f", 16)
	defer events.Unsubscribe("th-f", ch)
	e := newEngine(t, h, Options{RunTimeout: 50 * time.Millisecond, Publisher: events})

	st, err := e.Run(context.Background(), Request{ThreadID: "th-f", Query: "Solve x^2=16"})
	require.NoError(t, err)

	assert.Equal(t, string(StateFailed), st.State)
	assert.Equal(t, GenericFailure, st.FinalAnswer)
	assert.Equal(t, 0, h.count("merge"))
	assert.Equal(t, trail(StateFiltering, StateDecomposing, StateRetrieving,
		StateFetchingExternal, StateMerging, StateFailed), st.Trail)

	var last streaming.Event
	for _, evt := range events.ReplaySince("th-f", 0) {
		last = evt
	}
	assert.Equal(t, streaming.EventFailed, last.Type)
	assert.True(t, last.Terminal())
}

func TestCallerDeadlineStillCancels(t *testing.T) {
	h := &harness{topScore: 0.95}
	h.reasoner = func(ctx context.Context, _ string, _ []models.RankedCandidate) string {
		<-ctx.Done()
		return "late"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	st, err := newEngine(t, h, Options{RunTimeout: time.Minute}).Run(ctx, Request{Query: "Solve x^2=16"})
	require.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, string(StateReasoning), st.State)
	assert.Empty(t, st.ReasoningText)
	assert.Empty(t, st.FinalAnswer)
}

func TestCheckpointsEveryTransition(t *testing.T) {
	h := &harness{topScore: 0.95}
	store := &countingStore{Manager: session.NewManager(nil, session.Options{}, nil)}
	st, err := newEngine(t, h, Options{Store: store}).Run(context.Background(), Request{ThreadID: "th-k", Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, len(st.Trail), store.n)

	th, err := store.Get(context.Background(), "th-k")
	require.NoError(t, err)
	require.Len(t, th.Turns, 1)
	assert.Equal(t, st.FinalAnswer, th.Turns[0].FinalAnswer)
}

type countingStore struct {
	*session.Manager
	n int
}

func (c *countingStore) Checkpoint(ctx context.Context, st *models.SessionState) error {
	c.n++
	return c.Manager.Checkpoint(ctx, st)
}

func TestRecordFeedback(t *testing.T) {
	h := &harness{topScore: 0.95}
	store := session.NewManager(nil, session.Options{}, nil)
	var got []string
	rec := recorderFunc(func(_ context.Context, st *models.SessionState) { got = append(got, st.HumanFeedback) })
	e := newEngine(t, h, Options{Store: store, Recorder: rec})

	_, err := e.RecordFeedback(context.Background(), "nope", "good")
	assert.ErrorIs(t, err, session.ErrThreadNotFound)

	_, err = e.Run(context.Background(), Request{ThreadID: "th-f", Query: "q"})
	require.NoError(t, err)
	turn, err := e.RecordFeedback(context.Background(), "th-f", "very helpful")
	require.NoError(t, err)
	assert.Equal(t, "very helpful", turn.Feedback)
	assert.Equal(t, []string{"", "very helpful"}, got)
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	h := &harness{topScore: 0.95}
	e := newEngine(t, h, Options{})
	var wg sync.WaitGroup
	results := make([]*models.SessionState, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := e.Run(context.Background(), Request{Query: fmt.Sprintf("Solve x + %d = 0", i)})
			assert.NoError(t, err)
			results[i] = st
		}(i)
	}
	wg.Wait()
	seen := map[string]bool{}
	for i, st := range results {
		require.NotNil(t, st)
		assert.Equal(t, fmt.Sprintf("Solve x + %d = 0", i), st.Query)
		assert.False(t, seen[st.ThreadID])
		seen[st.ThreadID] = true
	}
}

func TestNewEngineRequiresStages(t *testing.T) {
	_, err := NewEngine(Stages{}, Options{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filter")
}
