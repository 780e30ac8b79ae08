package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/mathagent/internal/circuitbreaker"
	"github.com/Kocoro-lab/mathagent/internal/models"
)

func newRedisManager(t *testing.T, opts Options) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	logger := zaptest.NewLogger(t)
	return NewManager(circuitbreaker.NewRedisClient(rc, "redis-test", logger), opts, logger), mr
}

func state(thread, turn, query string) *models.SessionState {
	return models.NewSessionState(thread, turn, query, models.Filters{}, 5)
}

func TestCheckpointRoundTripThroughRedis(t *testing.T) {
	mgr, mr := newRedisManager(t, Options{})
	ctx := context.Background()

	st := state("th-1", "turn-1", "Solve x^2=16")
	st.State = "retrieving"
	require.NoError(t, mgr.Checkpoint(ctx, st))
	assert.True(t, mr.Exists(DefaultKeyPrefix+"th-1"))

	// A second manager has an empty cache and must read Redis.
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	other := NewManager(circuitbreaker.NewRedisClient(rc, "redis-test-2", nil), Options{}, nil)

	th, err := other.Get(ctx, "th-1")
	require.NoError(t, err)
	require.NotNil(t, th.Checkpoint)
	assert.Equal(t, "retrieving", th.Checkpoint.State)
	assert.True(t, th.Resumable())
	assert.Empty(t, th.Turns)
}

func TestTerminalCheckpointRecordsTurn(t *testing.T) {
	mgr := NewManager(nil, Options{}, zaptest.NewLogger(t))
	ctx := context.Background()

	st := state("th-2", "turn-1", "q")
	st.State = "verifying"
	require.NoError(t, mgr.Checkpoint(ctx, st))

	st.State = "finalized"
	st.FinalAnswer = "Final answer: 4"
	st.Verification = &models.VerificationResult{IsCorrect: true, Issues: []string{}}
	require.NoError(t, mgr.Checkpoint(ctx, st))
	// Re-checkpointing the same turn replaces rather than appends.
	require.NoError(t, mgr.Checkpoint(ctx, st))

	th, err := mgr.Get(ctx, "th-2")
	require.NoError(t, err)
	require.Len(t, th.Turns, 1)
	assert.Equal(t, "Final answer: 4", th.Turns[0].FinalAnswer)
	assert.False(t, th.Resumable())
}

func TestFinalizedEmptyAnswerClosesTurn(t *testing.T) {
	mgr := NewManager(nil, Options{}, zaptest.NewLogger(t))
	ctx := context.Background()

	st := state("th-empty", "turn-1", "q")
	st.State = "finalized"
	st.FinalAnswer = ""
	require.NoError(t, mgr.Checkpoint(ctx, st))

	th, err := mgr.Get(ctx, "th-empty")
	require.NoError(t, err)
	require.Len(t, th.Turns, 1)
	assert.False(t, th.Resumable())

	turn, err := mgr.AttachFeedback(ctx, "th-empty", "no answer shown")
	require.NoError(t, err)
	assert.Equal(t, "turn-1", turn.TurnID)
}

func TestTurnsBoundedByMaxTurns(t *testing.T) {
	mgr := NewManager(nil, Options{MaxTurns: 3}, zaptest.NewLogger(t))
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		st := state("th-3", id, "q")
		st.State = "finalized"
		st.FinalAnswer = id
		st.RetryCount = i % 3
		require.NoError(t, mgr.Checkpoint(ctx, st))
	}
	th, err := mgr.Get(ctx, "th-3")
	require.NoError(t, err)
	require.Len(t, th.Turns, 3)
	assert.Equal(t, "c", th.Turns[0].TurnID)
	assert.Equal(t, "e", th.Turns[2].TurnID)
	assert.Len(t, th.RecentTurns(2), 2)
}

func TestAttachFeedback(t *testing.T) {
	mgr, _ := newRedisManager(t, Options{})
	ctx := context.Background()

	_, err := mgr.AttachFeedback(ctx, "missing", "great")
	assert.ErrorIs(t, err, ErrThreadNotFound)

	st := state("th-4", "turn-1", "q")
	st.State = "decomposing"
	require.NoError(t, mgr.Checkpoint(ctx, st))
	_, err = mgr.AttachFeedback(ctx, "th-4", "great")
	assert.ErrorIs(t, err, ErrNoTurns)

	st.State = "finalized"
	st.FinalAnswer = "4"
	require.NoError(t, mgr.Checkpoint(ctx, st))
	turn, err := mgr.AttachFeedback(ctx, "th-4", "  great, thanks ")
	require.NoError(t, err)
	assert.Equal(t, "great, thanks", turn.Feedback)

	th, err := mgr.Get(ctx, "th-4")
	require.NoError(t, err)
	assert.Equal(t, "great, thanks", th.Checkpoint.HumanFeedback)
}

func TestGetReturnsCopy(t *testing.T) {
	mgr := NewManager(nil, Options{}, nil)
	ctx := context.Background()
	st := state("th-5", "t", "q")
	st.State = "merging"
	require.NoError(t, mgr.Checkpoint(ctx, st))

	th, err := mgr.Get(ctx, "th-5")
	require.NoError(t, err)
	th.Checkpoint.State = "mutated"

	again, err := mgr.Get(ctx, "th-5")
	require.NoError(t, err)
	assert.Equal(t, "merging", again.Checkpoint.State)
}

func TestExpiredThread(t *testing.T) {
	mgr := NewManager(nil, Options{TTL: time.Millisecond}, nil)
	ctx := context.Background()
	require.NoError(t, mgr.Checkpoint(ctx, state("th-6", "t", "q")))
	time.Sleep(5 * time.Millisecond)

	_, err := mgr.Get(ctx, "th-6")
	assert.ErrorIs(t, err, ErrThreadExpired)
	_, err = mgr.Get(ctx, "th-6")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestCacheEvictionKeepsRedisCopy(t *testing.T) {
	mgr, _ := newRedisManager(t, Options{CacheSize: 2})
	ctx := context.Background()
	for _, id := range []string{"x1", "x2", "x3", "x4"} {
		require.NoError(t, mgr.Checkpoint(ctx, state(id, "t", "q")))
		time.Sleep(time.Millisecond)
	}
	mgr.mu.RLock()
	cached := len(mgr.localCache)
	mgr.mu.RUnlock()
	assert.LessOrEqual(t, cached, 2)

	th, err := mgr.Get(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, "x1", th.ID)
}

func TestCheckpointRejectsMissingThreadID(t *testing.T) {
	mgr := NewManager(nil, Options{}, nil)
	assert.ErrorIs(t, mgr.Checkpoint(context.Background(), state("", "t", "q")), ErrInvalidThread)
}
