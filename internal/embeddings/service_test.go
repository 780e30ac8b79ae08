package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/mathagent/internal/circuitbreaker"
)

func fakeEmbedServer(t *testing.T, calls *int32, seen *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "/embeddings/", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if seen != nil {
			*seen = append(*seen, req.Texts...)
		}
		out := embedResponse{Dimensions: 3, ModelUsed: req.Model}
		for i := range req.Texts {
			out.Embeddings = append(out.Embeddings, []float64{float64(len(req.Texts[i])), 0.5, float64(i)})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
}

func TestEmbedAppliesQueryPrefixOnlyToQueries(t *testing.T) {
	var calls int32
	var seen []string
	srv := fakeEmbedServer(t, &calls, &seen)
	defer srv.Close()

	svc := New(Config{BaseURL: srv.URL, QueryPrefix: "Q: "}, nil, srv.Client(), zaptest.NewLogger(t))

	v, err := svc.Embed(context.Background(), "x^2", true)
	require.NoError(t, err)
	assert.Len(t, v, 3)
	_, err = svc.Embed(context.Background(), "x^2", false)
	require.NoError(t, err)

	assert.Equal(t, []string{"Q: x^2", "x^2"}, seen)
}

func TestEmbedBatchUsesLocalCache(t *testing.T) {
	var calls int32
	srv := fakeEmbedServer(t, &calls, nil)
	defer srv.Close()

	svc := New(Config{BaseURL: srv.URL}, nil, srv.Client(), zaptest.NewLogger(t))
	ctx := context.Background()

	first, err := svc.EmbedBatch(ctx, []string{"a", "bb"}, false)
	require.NoError(t, err)
	second, err := svc.EmbedBatch(ctx, []string{"a", "bb"}, false)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEmbedBatchEmpty(t *testing.T) {
	svc := New(Config{BaseURL: "http://unused"}, nil, nil, zaptest.NewLogger(t))
	_, err := svc.EmbedBatch(context.Background(), nil, false)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestEmbedBatchFailsAsAWhole(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float64{{1, 2}}})
	}))
	defer srv.Close()

	svc := New(Config{BaseURL: srv.URL}, nil, srv.Client(), zaptest.NewLogger(t))
	out, err := svc.EmbedBatch(context.Background(), []string{"a", "b"}, false)
	assert.Error(t, err)
	assert.Nil(t, out)
}

func TestEmbedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc := New(Config{BaseURL: srv.URL}, nil, srv.Client(), zaptest.NewLogger(t))
	_, err := svc.Embed(context.Background(), "a", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := circuitbreaker.NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", zaptest.NewLogger(t))
	cache := NewRedisCache(rc)
	ctx := context.Background()

	key := MakeKey("m", "text")
	_, ok := cache.Get(ctx, key)
	assert.False(t, ok)

	cache.Set(ctx, key, []float32{1.5, -2, 0.25}, time.Minute)
	got, ok := cache.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []float32{1.5, -2, 0.25}, got)
	assert.True(t, mr.Exists(key))
}

func TestRedisCacheServesSecondService(t *testing.T) {
	var calls int32
	srv := fakeEmbedServer(t, &calls, nil)
	defer srv.Close()

	mr := miniredis.RunT(t)
	rc := circuitbreaker.NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", zaptest.NewLogger(t))

	a := New(Config{BaseURL: srv.URL}, NewRedisCache(rc), srv.Client(), zaptest.NewLogger(t))
	b := New(Config{BaseURL: srv.URL}, NewRedisCache(rc), srv.Client(), zaptest.NewLogger(t))

	va, err := a.Embed(context.Background(), "shared", false)
	require.NoError(t, err)
	vb, err := b.Embed(context.Background(), "shared", false)
	require.NoError(t, err)
	assert.Equal(t, va, vb)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLocalLRUEvictsOldest(t *testing.T) {
	l := NewLocalLRU(2)
	ctx := context.Background()
	l.Set(ctx, "a", []float32{1}, time.Minute)
	l.Set(ctx, "b", []float32{2}, time.Minute)
	_, _ = l.Get(ctx, "a")
	l.Set(ctx, "c", []float32{3}, time.Minute)

	_, okA := l.Get(ctx, "a")
	_, okB := l.Get(ctx, "b")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.Equal(t, 2, l.Len())
}

func TestLocalLRUExpires(t *testing.T) {
	l := NewLocalLRU(4)
	l.Set(context.Background(), "a", []float32{1}, -time.Second)
	_, ok := l.Get(context.Background(), "a")
	assert.False(t, ok)
}
