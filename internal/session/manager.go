package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/circuitbreaker"
	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/models"
)

const (
	DefaultTTL       = 720 * time.Hour
	DefaultMaxTurns  = 20
	DefaultCacheSize = 1000
	DefaultKeyPrefix = "mathagent:thread:"
)

type Options struct {
	TTL       time.Duration
	MaxTurns  int
	CacheSize int
	KeyPrefix string
}

// Manager stores thread checkpoints. With a Redis client threads survive
// restarts and are shared between processes; without one the local cache is
// the only copy.
type Manager struct {
	client      *circuitbreaker.RedisClient
	logger      *zap.Logger
	opts        Options
	mu          sync.RWMutex
	localCache  map[string]*Thread
	cacheAccess map[string]time.Time
}

// NewManager creates a thread manager. client may be nil.
func NewManager(client *circuitbreaker.RedisClient, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	return &Manager{
		client:      client,
		logger:      logger,
		opts:        opts,
		localCache:  make(map[string]*Thread),
		cacheAccess: make(map[string]time.Time),
	}
}

// Persistent reports whether threads are backed by Redis.
func (m *Manager) Persistent() bool { return m.client != nil }

// Get returns a copy of the thread.
func (m *Manager) Get(ctx context.Context, threadID string) (*Thread, error) {
	th, err := m.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return th.clone(), nil
}

func (m *Manager) load(ctx context.Context, threadID string) (*Thread, error) {
	m.mu.RLock()
	th, ok := m.localCache[threadID]
	m.mu.RUnlock()
	if ok {
		metrics.CacheHits.WithLabelValues("thread").Inc()
		if th.IsExpired() {
			_ = m.Delete(ctx, threadID)
			return nil, ErrThreadExpired
		}
		m.mu.Lock()
		m.cacheAccess[threadID] = time.Now()
		m.mu.Unlock()
		return th, nil
	}
	metrics.CacheMisses.WithLabelValues("thread").Inc()

	if m.client == nil {
		return nil, ErrThreadNotFound
	}
	data, err := m.client.Get(ctx, m.threadKey(threadID))
	if errors.Is(err, redis.Nil) {
		return nil, ErrThreadNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	var loaded Thread
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThread, err)
	}
	if loaded.IsExpired() {
		_ = m.Delete(ctx, threadID)
		return nil, ErrThreadExpired
	}

	m.mu.Lock()
	m.cacheLocked(&loaded)
	m.mu.Unlock()
	return &loaded, nil
}

// Checkpoint records st as the thread's latest state. A terminal state also
// becomes (or replaces) the thread's latest turn.
func (m *Manager) Checkpoint(ctx context.Context, st *models.SessionState) error {
	if st == nil || st.ThreadID == "" {
		return ErrInvalidThread
	}
	th, err := m.load(ctx, st.ThreadID)
	switch {
	case errors.Is(err, ErrThreadNotFound), errors.Is(err, ErrThreadExpired):
		now := time.Now().UTC()
		th = &Thread{ID: st.ThreadID, CreatedAt: now, Turns: make([]Turn, 0)}
	case err != nil:
		return err
	default:
		th = th.clone()
	}

	th.Checkpoint = st.Clone()
	if st.Terminal() {
		th.recordTurn(st, m.opts.MaxTurns)
	}
	return m.save(ctx, th)
}

// AttachFeedback stores feedback on the latest finished turn and returns it.
func (m *Manager) AttachFeedback(ctx context.Context, threadID, feedback string) (Turn, error) {
	th, err := m.load(ctx, threadID)
	if err != nil {
		return Turn{}, err
	}
	if len(th.Turns) == 0 {
		return Turn{}, ErrNoTurns
	}
	th = th.clone()
	last := &th.Turns[len(th.Turns)-1]
	last.Feedback = strings.TrimSpace(feedback)
	if th.Checkpoint != nil && th.Checkpoint.TurnID == last.TurnID {
		th.Checkpoint.HumanFeedback = last.Feedback
	}
	if err := m.save(ctx, th); err != nil {
		return Turn{}, err
	}
	return *last, nil
}

// Delete removes a thread
func (m *Manager) Delete(ctx context.Context, threadID string) error {
	if m.client != nil {
		if err := m.client.Del(ctx, m.threadKey(threadID)); err != nil {
			return fmt.Errorf("failed to delete thread: %w", err)
		}
	}
	m.mu.Lock()
	delete(m.localCache, threadID)
	delete(m.cacheAccess, threadID)
	metrics.ThreadsActive.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	m.logger.Debug("Deleted thread", zap.String("thread_id", threadID))
	return nil
}

// CleanupExpired drops expired threads from the local cache. Redis expires
// its copies through key TTLs.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cleaned := 0
	for id, th := range m.localCache {
		if th.IsExpired() {
			delete(m.localCache, id)
			delete(m.cacheAccess, id)
			cleaned++
		}
	}
	metrics.ThreadsActive.Set(float64(len(m.localCache)))
	if cleaned > 0 {
		m.logger.Info("Cleaned up expired threads", zap.Int("count", cleaned))
	}
	return cleaned
}

// Close closes the Redis connection, if any.
func (m *Manager) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Raw().Close()
}

// Ping checks the backing store; a memory-only manager is always healthy.
func (m *Manager) Ping(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Ping(ctx)
}

func (m *Manager) threadKey(threadID string) string {
	return m.opts.KeyPrefix + threadID
}

func (m *Manager) save(ctx context.Context, th *Thread) error {
	now := time.Now().UTC()
	th.UpdatedAt = now
	th.ExpiresAt = now.Add(m.opts.TTL)

	if m.client != nil {
		data, err := json.Marshal(th)
		if err != nil {
			return fmt.Errorf("failed to marshal thread: %w", err)
		}
		if err := m.client.Set(ctx, m.threadKey(th.ID), data, m.opts.TTL); err != nil {
			return fmt.Errorf("failed to save thread: %w", err)
		}
	}

	m.mu.Lock()
	m.cacheLocked(th)
	m.mu.Unlock()
	return nil
}

// cacheLocked stores th and evicts the least recently used half once the
// cache is over capacity. Memory-only managers never evict unexpired threads.
func (m *Manager) cacheLocked(th *Thread) {
	m.localCache[th.ID] = th
	m.cacheAccess[th.ID] = time.Now()
	if m.client != nil && len(m.localCache) > m.opts.CacheSize {
		type accessEntry struct {
			id   string
			time time.Time
		}
		entries := make([]accessEntry, 0, len(m.localCache))
		for id := range m.localCache {
			entries = append(entries, accessEntry{id: id, time: m.cacheAccess[id]})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].time.Before(entries[j].time) })

		toRemove := len(entries) - m.opts.CacheSize/2
		for i := 0; i < toRemove; i++ {
			delete(m.localCache, entries[i].id)
			delete(m.cacheAccess, entries[i].id)
		}
	}
	metrics.ThreadsActive.Set(float64(len(m.localCache)))
}
