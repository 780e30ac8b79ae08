// Package decompose splits a math question into independently retrievable
// sub-questions.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/llm"
	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/util"
)

// Path records which branch produced the sub-queries.
type Path string

const (
	PathHeuristic Path = "heuristic"
	PathLLM       Path = "llm"
	PathFallback  Path = "fallback"
)

// Connectives in priority order.
var connectives = []string{"and", "then", "also", "next", "first", "second"}

var connectiveRes = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(connectives))
	for i, c := range connectives {
		out[i] = regexp.MustCompile(`(?i)\b` + c + `\b`)
	}
	return out
}()

const systemPrompt = "You are a math query router.\n" +
	"Given a user math question, break it into the minimal number of independent sub-questions, or return a single-item list if it is atomic.\n" +
	"Output MUST be valid JSON: a list of strings, nothing else."

// Result is the decomposition of one query.
type Result struct {
	SubQueries []string
	Path       Path
}

// Decomposer runs the connective heuristic and, when it yields a single
// fragment, asks the router model. It never fails.
type Decomposer struct {
	router llm.Generator
	logger *zap.Logger
}

// New creates a decomposer. router may be nil, in which case atomic queries
// are returned unchanged.
func New(router llm.Generator, logger *zap.Logger) *Decomposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decomposer{router: router, logger: logger}
}

func (d *Decomposer) Decompose(ctx context.Context, query string) Result {
	query = strings.TrimSpace(query)
	if parts := HeuristicSplit(query); len(parts) >= 2 {
		metrics.Decompositions.WithLabelValues(string(PathHeuristic)).Inc()
		d.logger.Debug("Heuristic split", zap.Strings("sub_queries", parts))
		return Result{SubQueries: parts, Path: PathHeuristic}
	}

	if d.router == nil {
		metrics.Decompositions.WithLabelValues(string(PathFallback)).Inc()
		return Result{SubQueries: []string{query}, Path: PathFallback}
	}

	raw, err := d.router.Generate(ctx, systemPrompt, fmt.Sprintf("Query: %q", query))
	if err != nil {
		d.logger.Warn("Router model failed, keeping query atomic", zap.Error(err))
		metrics.Decompositions.WithLabelValues(string(PathFallback)).Inc()
		return Result{SubQueries: []string{query}, Path: PathFallback}
	}
	parts, err := ParseSubQueries(raw)
	if err != nil {
		d.logger.Warn("Router output rejected, keeping query atomic",
			zap.String("content", util.TruncateString(raw, 200, false)),
			zap.Error(err),
		)
		metrics.Decompositions.WithLabelValues(string(PathFallback)).Inc()
		return Result{SubQueries: []string{query}, Path: PathFallback}
	}
	metrics.Decompositions.WithLabelValues(string(PathLLM)).Inc()
	return Result{SubQueries: parts, Path: PathLLM}
}

// HeuristicSplit splits on the first connective present (whole word, any
// case). It returns the trimmed non-empty fragments, or [query] when no
// connective occurs.
func HeuristicSplit(query string) []string {
	for _, re := range connectiveRes {
		if !re.MatchString(query) {
			continue
		}
		var parts []string
		for _, p := range re.Split(query, -1) {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			return []string{query}
		}
		return parts
	}
	return []string{query}
}

// ParseSubQueries accepts only a JSON array of strings (optionally inside a
// code fence). Blank entries are dropped; an array with nothing left is an
// error.
func ParseSubQueries(raw string) ([]string, error) {
	payload := util.StripCodeFence(raw)
	if !strings.HasPrefix(payload, "[") {
		return nil, fmt.Errorf("expected a JSON array")
	}
	var items []string
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, fmt.Errorf("decode sub-queries: %w", err)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no non-empty sub-queries")
	}
	return out, nil
}
