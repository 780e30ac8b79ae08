package search

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/ratecontrol"
)

const DefaultMaxResults = 3

// AdapterConfig controls the fan-out.
type AdapterConfig struct {
	MaxResults  int
	Timeout     time.Duration
	FetchTopURL bool
}

// Adapter queries every backend concurrently. A failing backend contributes
// zero hits; results keep backend order.
type Adapter struct {
	cfg      AdapterConfig
	backends []Backend
	fetcher  *PageFetcher
	limits   *ratecontrol.Registry
	logger   *zap.Logger
}

// NewAdapter builds the adapter. fetcher and limits may be nil.
func NewAdapter(cfg AdapterConfig, backends []Backend, fetcher *PageFetcher, limits *ratecontrol.Registry, logger *zap.Logger) *Adapter {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cfg: cfg, backends: backends, fetcher: fetcher, limits: limits, logger: logger}
}

func (a *Adapter) Backends() []string {
	names := make([]string, len(a.backends))
	for i, b := range a.backends {
		names[i] = b.Name()
	}
	return names
}

// Search never returns an error; an empty slice means nothing was found.
func (a *Adapter) Search(ctx context.Context, query string) []models.ExternalHit {
	query = strings.TrimSpace(query)
	if query == "" || len(a.backends) == 0 {
		return nil
	}

	perBackend := make([][]models.ExternalHit, len(a.backends))
	// Goroutines never return errors, so Wait only joins them.
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range a.backends {
		i, b := i, b
		g.Go(func() error {
			perBackend[i] = a.searchOne(gctx, b, query)
			return nil
		})
	}
	_ = g.Wait()

	var hits []models.ExternalHit
	for _, hs := range perBackend {
		hits = append(hits, hs...)
	}

	if a.cfg.FetchTopURL && a.fetcher != nil {
		if page, ok := a.fetchTop(ctx, hits); ok {
			hits = append(hits, page)
		}
	}

	a.logger.Info("External search done",
		zap.Strings("backends", a.Backends()),
		zap.Int("hits", len(hits)),
	)
	return hits
}

func (a *Adapter) searchOne(ctx context.Context, b Backend, query string) []models.ExternalHit {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	if err := a.limits.Wait(ctx, b.Name()); err != nil {
		a.logger.Warn("Search backend rate limited", zap.String("backend", b.Name()), zap.Error(err))
		metrics.ExternalErrors.WithLabelValues(b.Name()).Inc()
		return nil
	}
	start := time.Now()
	hits, err := b.Search(ctx, query, a.cfg.MaxResults)
	if err != nil {
		a.logger.Warn("Search backend failed",
			zap.String("backend", b.Name()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		metrics.ExternalErrors.WithLabelValues(b.Name()).Inc()
		return nil
	}
	if len(hits) > a.cfg.MaxResults {
		hits = hits[:a.cfg.MaxResults]
	}
	metrics.ExternalHits.WithLabelValues(b.Name()).Add(float64(len(hits)))
	return hits
}

func (a *Adapter) fetchTop(ctx context.Context, hits []models.ExternalHit) (models.ExternalHit, bool) {
	for _, h := range hits {
		if h.Source != models.SourceWebSearch || h.URL == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
		if err := a.limits.Wait(ctx, "web_fetch"); err != nil {
			return models.ExternalHit{}, false
		}
		page, err := a.fetcher.FetchHit(ctx, h.Title, h.URL)
		if err != nil {
			a.logger.Warn("Top URL fetch failed", zap.String("url", h.URL), zap.Error(err))
			metrics.ExternalErrors.WithLabelValues("web_fetch").Inc()
			return models.ExternalHit{}, false
		}
		metrics.ExternalHits.WithLabelValues("web_fetch").Inc()
		return page, true
	}
	return models.ExternalHit{}, false
}
