package health

import (
	"context"
	"time"

	"github.com/Kocoro-lab/mathagent/internal/circuitbreaker"
)

// PingFunc checks one dependency.
type PingFunc func(ctx context.Context) error

// PingChecker turns a ping into a Result. Slow successes are reported
// as degraded.
type PingChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	slow     time.Duration
	ping     PingFunc
	breaker  func() bool
}

func NewPingChecker(name string, critical bool, ping PingFunc) *PingChecker {
	return &PingChecker{
		name:     name,
		critical: critical,
		timeout:  5 * time.Second,
		slow:     500 * time.Millisecond,
		ping:     ping,
	}
}

// WithSlowThreshold sets the latency above which a success is degraded.
func (p *PingChecker) WithSlowThreshold(d time.Duration) *PingChecker {
	p.slow = d
	return p
}

// WithBreaker reports the check unhealthy without pinging while open
// returns true.
func (p *PingChecker) WithBreaker(open func() bool) *PingChecker {
	p.breaker = open
	return p
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := Result{Component: p.name, Critical: p.critical, CheckedAt: start}

	if p.breaker != nil && p.breaker() {
		result.Status = StatusUnhealthy
		result.Error = circuitbreaker.ErrOpen.Error()
		result.Message = p.name + " circuit breaker is open"
		return result
	}

	err := p.ping(ctx)
	result.Latency = time.Since(start)
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = p.name + " ping failed"
	case result.Latency > p.slow:
		result.Status = StatusDegraded
		result.Message = p.name + " responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = p.name + " healthy"
	}
	return result
}

// NewRedisChecker checks the Redis connection behind sessions and caches.
func NewRedisChecker(client *circuitbreaker.RedisClient, critical bool) *PingChecker {
	return NewPingChecker("redis", critical, client.Ping).
		WithSlowThreshold(100 * time.Millisecond).
		WithBreaker(client.IsOpen)
}

// NewVectorChecker checks the local index. Retrieval fails open to web
// search, so the index is not critical.
func NewVectorChecker(ping PingFunc) *PingChecker {
	return NewPingChecker("vectordb", false, ping)
}
