package health

import (
	"context"
	"time"
)

// Status is the state of one dependency or of the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result is one checker's outcome.
type Result struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Critical  bool          `json:"critical"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Checker checks one dependency. A failing critical checker makes the
// service unready; a failing non-critical one only degrades it.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
	IsCritical() bool
	Timeout() time.Duration
}

// Overall folds every Result into one answer for readiness checks.
type Overall struct {
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Ready    bool          `json:"ready"`
	Live     bool          `json:"live"`
	Duration time.Duration `json:"duration"`
}

// Report is the /health/detailed body.
type Report struct {
	Overall    Overall           `json:"overall"`
	Components map[string]Result `json:"components"`
	Counts     Counts            `json:"counts"`
	CheckedAt  time.Time         `json:"checked_at"`
}

type Counts struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Critical  int `json:"critical"`
}
