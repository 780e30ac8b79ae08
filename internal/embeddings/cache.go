package embeddings

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/Kocoro-lab/mathagent/internal/circuitbreaker"
	"github.com/Kocoro-lab/mathagent/internal/metrics"
)

// Cache stores vectors by key. Implementations swallow their own errors;
// a failing cache is just a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// LocalLRU is an in-process LRU with per-entry TTL.
type LocalLRU struct {
	mu    sync.Mutex
	cap   int
	order *list.List // front = most recent
	items map[string]*list.Element
}

type lruEntry struct {
	key string
	vec []float32
	exp time.Time
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{cap: capacity, order: list.New(), items: make(map[string]*list.Element, capacity)}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.items[key]
	if !ok {
		metrics.CacheMisses.WithLabelValues("embedding_lru").Inc()
		return nil, false
	}
	ent := el.Value.(lruEntry)
	if !ent.exp.After(time.Now()) {
		l.order.Remove(el)
		delete(l.items, key)
		metrics.CacheMisses.WithLabelValues("embedding_lru").Inc()
		return nil, false
	}
	l.order.MoveToFront(el)
	metrics.CacheHits.WithLabelValues("embedding_lru").Inc()
	return ent.vec, true
}

func (l *LocalLRU) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ent := lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)}
	if el, ok := l.items[key]; ok {
		el.Value = ent
		l.order.MoveToFront(el)
		return
	}
	l.items[key] = l.order.PushFront(ent)
	if l.order.Len() > l.cap {
		if last := l.order.Back(); last != nil {
			delete(l.items, last.Value.(lruEntry).key)
			l.order.Remove(last)
		}
	}
}

func (l *LocalLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// RedisCache keeps vectors as little-endian float32 bytes.
type RedisCache struct {
	cli *circuitbreaker.RedisClient
}

func NewRedisCache(cli *circuitbreaker.RedisClient) *RedisCache {
	return &RedisCache{cli: cli}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key)
	if err != nil || len(b) == 0 || len(b)%4 != 0 {
		metrics.CacheMisses.WithLabelValues("embedding_redis").Inc()
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	metrics.CacheHits.WithLabelValues("embedding_redis").Inc()
	return out, true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	_ = r.cli.Set(ctx, key, b, ttl)
}

// MakeKey derives the cache key for a model/text pair.
func MakeKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}
