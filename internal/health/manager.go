package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checks and aggregates them.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{checkers: make(map[string]Checker), logger: logger}
}

// RegisterChecker adds c. Names must be unique and non-empty.
func (m *Manager) RegisterChecker(c Checker) error {
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c
	m.logger.Debug("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
	)
	return nil
}

// Names returns the registered checker names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Report runs every check concurrently, each under its own timeout.
func (m *Manager) Report(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	start := time.Now()
	results := make([]Result, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = m.run(ctx, c)
		}(i, c)
	}
	wg.Wait()

	rep := Report{Components: make(map[string]Result, len(results)), CheckedAt: start}
	for _, r := range results {
		rep.Components[r.Component] = r
		rep.Counts.Total++
		if r.Critical {
			rep.Counts.Critical++
		}
		switch r.Status {
		case StatusHealthy:
			rep.Counts.Healthy++
		case StatusDegraded:
			rep.Counts.Degraded++
		case StatusUnhealthy:
			rep.Counts.Unhealthy++
		}
	}
	rep.Overall = aggregate(results)
	rep.Overall.Duration = time.Since(start)
	return rep
}

// Ready reports whether every critical dependency is up.
func (m *Manager) Ready(ctx context.Context) bool {
	return m.Report(ctx).Overall.Ready
}

func (m *Manager) run(ctx context.Context, c Checker) Result {
	cctx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	res := c.Check(cctx)
	res.Component = c.Name()
	res.Critical = c.IsCritical()
	if res.Status == StatusUnhealthy {
		m.logger.Warn("Health check failing",
			zap.String("checker", res.Component),
			zap.String("error", res.Error),
		)
	}
	return res
}

// aggregate folds results into the service status. A critical failure
// makes the service unready but still live; anything else short of healthy
// degrades it.
func aggregate(results []Result) Overall {
	var critical, degraded int
	for _, r := range results {
		switch {
		case r.Status == StatusUnhealthy && r.Critical:
			critical++
		case r.Status != StatusHealthy:
			degraded++
		}
	}
	switch {
	case critical > 0:
		return Overall{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%d critical component(s) failing", critical),
			Live:    true,
		}
	case degraded > 0:
		return Overall{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d component(s) degraded", degraded),
			Ready:   true,
			Live:    true,
		}
	case len(results) == 0:
		return Overall{Status: StatusHealthy, Message: "no health checks registered", Ready: true, Live: true}
	}
	return Overall{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("all %d components healthy", len(results)),
		Ready:   true,
		Live:    true,
	}
}
