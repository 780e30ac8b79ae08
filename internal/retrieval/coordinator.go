// Package retrieval queries the local problem index and decides whether
// external search has to run.
package retrieval

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/models"
)

const (
	DefaultTopK      = 5
	MaxTopK          = 20
	DefaultThreshold = 0.80
)

// Embedder produces query vectors.
type Embedder interface {
	Embed(ctx context.Context, text string, isQuery bool) ([]float32, error)
}

// Index is the nearest-neighbor search over the problem collection.
type Index interface {
	Search(ctx context.Context, vec []float32, topK int, filters map[string]string) ([]models.RetrievalHit, error)
}

// Config holds the coordinator settings. Zero values take the defaults.
type Config struct {
	Threshold float64
	TopK      int
	Timeout   time.Duration
}

// Result is what the retrieving stage writes into the session.
type Result struct {
	Hits           []models.RetrievalHit
	NeedsFallback  bool
	FiltersDropped bool
	TopK           int
	Err            error
}

// Coordinator embeds the query, searches the index and applies the
// threshold rule.
type Coordinator struct {
	cfg      Config
	embedder Embedder
	index    Index
	logger   *zap.Logger
}

func New(cfg Config, embedder Embedder, index Index, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TopK == 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Coordinator{cfg: cfg, embedder: embedder, index: index, logger: logger}
}

// ClampTopK maps non-positive values to the default and caps at MaxTopK.
func ClampTopK(k int) int {
	if k <= 0 {
		return DefaultTopK
	}
	if k > MaxTopK {
		return MaxTopK
	}
	return k
}

// NeedsFallback is true when there are no hits or the best score is strictly
// below threshold. hits must be sorted best first.
func NeedsFallback(hits []models.RetrievalHit, threshold float64) bool {
	if len(hits) == 0 {
		return true
	}
	return hits[0].Score < threshold
}

// Retrieve never returns an error to the caller; index or embedding failures
// produce an empty result with NeedsFallback set and Err recorded.
func (c *Coordinator) Retrieve(ctx context.Context, query string, filters models.Filters, topK int) Result {
	if topK == 0 {
		topK = c.cfg.TopK
	}
	res := Result{TopK: ClampTopK(topK)}

	query = strings.TrimSpace(query)
	if query == "" {
		c.logger.Warn("Empty retrieval query, forcing external search")
		res.NeedsFallback = true
		metrics.FallbackDecisions.WithLabelValues("empty_query").Inc()
		return res
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	vec, err := c.embedder.Embed(ctx, query, true)
	if err != nil {
		c.logger.Warn("Query embedding failed, forcing external search", zap.Error(err))
		res.NeedsFallback = true
		res.Err = err
		metrics.FallbackDecisions.WithLabelValues("error").Inc()
		return res
	}

	fm := filters.Map()
	raw, err := c.index.Search(ctx, vec, res.TopK, fm)
	if err == nil && len(raw) == 0 && len(fm) > 0 {
		c.logger.Info("No hits with filters, retrying unfiltered", zap.Any("filters", fm))
		res.FiltersDropped = true
		raw, err = c.index.Search(ctx, vec, res.TopK, nil)
	}
	if err != nil {
		c.logger.Warn("Index search failed, forcing external search", zap.Error(err))
		res.NeedsFallback = true
		res.Err = err
		metrics.FallbackDecisions.WithLabelValues("error").Inc()
		return res
	}

	for _, h := range raw {
		if strings.TrimSpace(h.Payload.Problem) == "" {
			continue
		}
		res.Hits = append(res.Hits, h)
	}

	res.NeedsFallback = NeedsFallback(res.Hits, c.cfg.Threshold)
	decision := "local"
	switch {
	case len(res.Hits) == 0:
		decision = "no_hits"
	case res.NeedsFallback:
		decision = "below_threshold"
	}
	metrics.FallbackDecisions.WithLabelValues(decision).Inc()

	fields := []zap.Field{
		zap.Int("hits", len(res.Hits)),
		zap.Int("top_k", res.TopK),
		zap.Float64("threshold", c.cfg.Threshold),
		zap.Bool("needs_fallback", res.NeedsFallback),
		zap.Bool("filters_dropped", res.FiltersDropped),
	}
	if len(res.Hits) > 0 {
		fields = append(fields, zap.Float64("top_score", res.Hits[0].Score))
	}
	c.logger.Info("Local retrieval done", fields...)
	return res
}
