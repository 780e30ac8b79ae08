package rerank

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/models"
)

const DefaultTopN = 8

// Outcome is the merge result written into the session.
type Outcome struct {
	Ranked   []models.RankedCandidate
	Degraded bool
}

// Merger applies the merge policy, scores the pool and keeps the top N.
type Merger struct {
	scorer Scorer
	topN   int
	logger *zap.Logger
}

func NewMerger(scorer Scorer, topN int, logger *zap.Logger) *Merger {
	if topN <= 0 {
		topN = DefaultTopN
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{scorer: scorer, topN: topN, logger: logger}
}

// LocalCandidate converts a local hit. ok is false when it has no text.
func LocalCandidate(h models.RetrievalHit) (models.RankedCandidate, bool) {
	if strings.TrimSpace(h.Payload.Problem) == "" {
		return models.RankedCandidate{}, false
	}
	meta := map[string]string{
		"id":    h.ID,
		"score": fmt.Sprintf("%.4f", h.Score),
	}
	for k, v := range map[string]string{
		"topic":      h.Payload.Topic,
		"difficulty": h.Payload.Difficulty,
		"subject":    h.Payload.Subject,
		"split":      h.Payload.Split,
	} {
		if v != "" {
			meta[k] = v
		}
	}
	return models.RankedCandidate{Text: h.Text(), Origin: models.OriginLocal, Metadata: meta}, true
}

// ExternalCandidate converts an external hit; origin is the backend name.
func ExternalCandidate(h models.ExternalHit) (models.RankedCandidate, bool) {
	text := h.Text()
	if text == "" {
		return models.RankedCandidate{}, false
	}
	origin := h.Backend
	if origin == "" {
		origin = string(h.Source)
	}
	meta := map[string]string{"source": string(h.Source)}
	if t := strings.TrimSpace(h.Title); t != "" {
		meta["title"] = t
	}
	if u := strings.TrimSpace(h.URL); u != "" {
		meta["url"] = u
	}
	return models.RankedCandidate{Text: text, Origin: origin, Metadata: meta}, true
}

// Pool builds the candidate pool. When local retrieval was strong the pool is
// local followed by external; otherwise it is external only.
func Pool(needsFallback bool, local []models.RetrievalHit, web []models.ExternalHit) []models.RankedCandidate {
	var pool []models.RankedCandidate
	if !needsFallback {
		for _, h := range local {
			if c, ok := LocalCandidate(h); ok {
				pool = append(pool, c)
			}
		}
	}
	for _, h := range web {
		if c, ok := ExternalCandidate(h); ok {
			pool = append(pool, c)
		}
	}
	return pool
}

// Fallback is the unscored ordering used when the scorer fails.
func Fallback(needsFallback bool, local []models.RetrievalHit, web []models.ExternalHit, topN int) []models.RankedCandidate {
	var out []models.RankedCandidate
	if !needsFallback {
		for _, h := range local {
			if len(out) == topN {
				break
			}
			if c, ok := LocalCandidate(h); ok {
				out = append(out, c)
			}
		}
		return out
	}
	for _, h := range web {
		if len(out) == topN {
			break
		}
		if c, ok := ExternalCandidate(h); ok {
			out = append(out, c)
		}
	}
	return out
}

// Rank sorts candidates by score, best first, keeping pool order on ties, and
// truncates to topN. NaN sorts last.
func Rank(pool []models.RankedCandidate, scores []float64, topN int) []models.RankedCandidate {
	type scored struct {
		c   models.RankedCandidate
		raw float64
		key float64
	}
	items := make([]scored, len(pool))
	for i := range pool {
		key := scores[i]
		if math.IsNaN(key) {
			key = math.Inf(-1)
		}
		items[i] = scored{c: pool[i], raw: scores[i], key: key}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].key > items[j].key })
	if len(items) > topN {
		items = items[:topN]
	}
	out := make([]models.RankedCandidate, len(items))
	for i, it := range items {
		score := it.raw
		it.c.RerankScore = &score
		out[i] = it.c
	}
	return out
}

// Merge never fails; an empty pool gives an empty list.
func (m *Merger) Merge(ctx context.Context, query string, needsFallback bool, local []models.RetrievalHit, web []models.ExternalHit) Outcome {
	pool := Pool(needsFallback, local, web)
	if len(pool) == 0 {
		m.logger.Warn("No candidates from local or external sources")
		return Outcome{}
	}

	texts := make([]string, len(pool))
	for i, c := range pool {
		texts[i] = c.Text
	}
	scores, err := m.scorer.Score(ctx, query, texts)
	if err == nil && len(scores) != len(pool) {
		err = fmt.Errorf("scorer returned %d scores for %d candidates", len(scores), len(pool))
	}
	if err != nil {
		metrics.RerankFallbacks.Inc()
		ranked := Fallback(needsFallback, local, web, m.topN)
		m.logger.Warn("Reranker failed, using unscored fallback ordering",
			zap.Bool("needs_fallback", needsFallback),
			zap.Int("kept", len(ranked)),
			zap.Error(err),
		)
		return Outcome{Ranked: ranked, Degraded: true}
	}

	ranked := Rank(pool, scores, m.topN)
	m.logger.Info("Reranked candidates",
		zap.Bool("needs_fallback", needsFallback),
		zap.Int("pool", len(pool)),
		zap.Int("kept", len(ranked)),
	)
	return Outcome{Ranked: ranked}
}
