// Package policy evaluates an optional OPA admission policy against
// queries that already passed the keyword filter.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// DefaultQuery is the rego decision document.
const DefaultQuery = "data.mathagent.admission.decision"

// Config controls the engine.
type Config struct {
	Enabled  bool
	Path     string // directory of .rego files
	Query    string
	FailOpen bool
}

// Input is the document exposed to policies as `input`.
type Input struct {
	Query     string    `json:"query"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Length    int       `json:"length"`
	Timestamp time.Time `json:"timestamp"`
}

// Decision is the policy result. A policy may return either a bool or an
// object with allow/reason.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Engine holds the compiled policy set. Reload swaps it atomically.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	modules  int
}

// NewEngine compiles the policies under cfg.Path. With FailOpen a load
// error leaves the engine running with no policies (everything allowed).
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	e := &Engine{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return e, nil
	}
	if err := e.Reload(); err != nil {
		if !cfg.FailOpen {
			return nil, err
		}
		logger.Warn("Failed to load admission policies, continuing fail-open", zap.Error(err))
	}
	return e, nil
}

// Reload recompiles every .rego file in the policy directory.
func (e *Engine) Reload() error {
	if !e.cfg.Enabled {
		return nil
	}
	modules, err := readModules(e.cfg.Path)
	if err != nil {
		policyLoads.WithLabelValues("error").Inc()
		return err
	}
	if len(modules) == 0 {
		e.mu.Lock()
		e.prepared, e.modules = nil, 0
		e.mu.Unlock()
		e.logger.Warn("No admission policies found", zap.String("path", e.cfg.Path))
		policyLoads.WithLabelValues("empty").Inc()
		return nil
	}

	opts := []func(*rego.Rego){rego.Query(e.cfg.Query)}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}
	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		policyLoads.WithLabelValues("error").Inc()
		return fmt.Errorf("compile policies: %w", err)
	}

	e.mu.Lock()
	e.prepared, e.modules = &prepared, len(modules)
	e.mu.Unlock()
	policyLoads.WithLabelValues("success").Inc()
	e.logger.Info("Admission policies loaded",
		zap.Int("modules", len(modules)),
		zap.String("query", e.cfg.Query),
	)
	return nil
}

// Loaded reports whether a compiled policy set is active.
func (e *Engine) Loaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.prepared != nil
}

// Evaluate runs the policy. Without policies every query is allowed; an
// evaluation error returns the fail-open/fail-closed default with the error.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if !e.cfg.Enabled || prepared == nil {
		return Decision{Allow: true, Reason: "no admission policy loaded"}, nil
	}

	start := time.Now()
	rs, err := prepared.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"query":     in.Query,
		"thread_id": in.ThreadID,
		"length":    in.Length,
		"timestamp": in.Timestamp.Format(time.RFC3339),
	}))
	policyLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		policyDecisions.WithLabelValues("error").Inc()
		return Decision{Allow: e.cfg.FailOpen, Reason: "policy evaluation error"}, fmt.Errorf("evaluate policy: %w", err)
	}

	d := parseResults(rs)
	if d.Allow {
		policyDecisions.WithLabelValues("allow").Inc()
	} else {
		policyDecisions.WithLabelValues("deny").Inc()
	}
	return d, nil
}

// Admit adapts Evaluate to the guardrail filter's admission hook.
func (e *Engine) Admit(ctx context.Context, query string) (bool, string, error) {
	d, err := e.Evaluate(ctx, Input{Query: query, Length: len(query), Timestamp: time.Now().UTC()})
	return d.Allow, d.Reason, err
}

func parseResults(rs rego.ResultSet) Decision {
	d := Decision{Allow: false, Reason: "no matching policy rules"}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return d
	}
	switch v := rs[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := v["allow"].(bool); ok {
			d.Allow = allow
		}
		if reason, ok := v["reason"].(string); ok {
			d.Reason = reason
		}
	case bool:
		d.Allow = v
		if v {
			d.Reason = "allowed by policy"
		} else {
			d.Reason = "denied by policy"
		}
	}
	return d
}

func readModules(dir string) (map[string]string, error) {
	modules := make(map[string]string)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", path, err)
		}
		rel, _ := filepath.Rel(dir, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk policy directory: %w", err)
	}
	return modules, nil
}
