package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the position of a breaker in its closed/half-open/open cycle.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen              = errors.New("circuit breaker is open")
	ErrHalfOpenSaturated = errors.New("too many trial calls in half-open state")
)

// Settings tune one breaker.
type Settings struct {
	HalfOpenTrials uint32        // calls admitted while half-open
	Window         time.Duration // counter reset period while closed; 0 keeps counts forever
	Cooldown       time.Duration // time spent open before probing
	TripAfter      uint32        // consecutive failures that open the breaker
	CloseAfter     uint32        // consecutive half-open successes that close it
}

// DefaultSettings are used for dependencies without CB_* overrides.
func DefaultSettings() Settings {
	return Settings{
		HalfOpenTrials: 3,
		Window:         60 * time.Second,
		Cooldown:       10 * time.Second,
		TripAfter:      5,
		CloseAfter:     2,
	}
}

type counters struct {
	calls         uint32
	successes     uint32
	failures      uint32
	successStreak uint32
	failureStreak uint32
}

// Breaker guards calls to a single remote dependency (LLM endpoint, Qdrant,
// a search backend, Redis, the feedback database).
type Breaker struct {
	name     string
	dep      string
	settings Settings
	logger   *zap.Logger
	onChange func(from, to State)

	mu       sync.Mutex
	state    State
	epoch    uint64
	counts   counters
	deadline time.Time
	now      func() time.Time
}

// New creates a closed breaker. dep labels the dependency in metrics.
func New(name, dep string, s Settings, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:     name,
		dep:      dep,
		settings: s,
		logger:   logger,
		state:    StateClosed,
		now:      time.Now,
	}
	b.resetLocked(b.now())
	collector.register(b)
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State reports the current state, advancing it if a deadline passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, _ := b.advanceLocked(b.now())
	return st
}

// IsOpen is shorthand for State() == StateOpen.
func (b *Breaker) IsOpen() bool { return b.State() == StateOpen }

// Do runs fn when the breaker admits the call and records its outcome.
// A context error from the caller is not counted against the dependency.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	epoch, err := b.admit()
	if err != nil {
		collector.observe(b, false)
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.record(epoch, false)
			panic(r)
		}
	}()

	err = fn()
	ok := err == nil || (ctx.Err() != nil && errors.Is(err, ctx.Err()))
	b.record(epoch, ok)
	collector.observe(b, err == nil)
	return err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, epoch := b.advanceLocked(b.now())
	switch {
	case st == StateOpen:
		return epoch, ErrOpen
	case st == StateHalfOpen && b.counts.calls >= b.settings.HalfOpenTrials:
		return epoch, ErrHalfOpenSaturated
	}
	b.counts.calls++
	return epoch, nil
}

func (b *Breaker) record(epoch uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	st, current := b.advanceLocked(now)
	if current != epoch {
		return
	}

	if ok {
		b.counts.successes++
		b.counts.failureStreak = 0
		if st == StateHalfOpen {
			b.counts.successStreak++
			if b.counts.successStreak >= b.settings.CloseAfter {
				b.moveLocked(StateClosed, now)
			}
		}
		return
	}

	b.counts.failures++
	b.counts.failureStreak++
	b.counts.successStreak = 0
	if st == StateHalfOpen || b.counts.failureStreak >= b.settings.TripAfter {
		b.moveLocked(StateOpen, now)
	}
}

func (b *Breaker) advanceLocked(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.deadline.IsZero() && now.After(b.deadline) {
			b.resetLocked(now)
		}
	case StateOpen:
		if now.After(b.deadline) {
			b.moveLocked(StateHalfOpen, now)
		}
	}
	return b.state, b.epoch
}

func (b *Breaker) moveLocked(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.resetLocked(now)

	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("dependency", b.dep),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	collector.transition(b, from, to)
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

func (b *Breaker) resetLocked(now time.Time) {
	b.epoch++
	b.counts = counters{}
	switch b.state {
	case StateClosed:
		if b.settings.Window > 0 {
			b.deadline = now.Add(b.settings.Window)
		} else {
			b.deadline = time.Time{}
		}
	case StateOpen:
		b.deadline = now.Add(b.settings.Cooldown)
	default:
		b.deadline = time.Time{}
	}
}
