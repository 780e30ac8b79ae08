// Package rerank merges local and external candidates and orders them with
// a cross-encoder relevance scorer.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/mathagent/internal/circuitbreaker"
	"github.com/Kocoro-lab/mathagent/internal/tracing"
)

const (
	DefaultModel     = "cross-encoder/ms-marco-MiniLM-L-12-v2"
	DefaultBatchSize = 32
)

// Scorer returns one relevance score per text, same order as texts.
type Scorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

type ScorerFunc func(ctx context.Context, query string, texts []string) ([]float64, error)

func (f ScorerFunc) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	return f(ctx, query, texts)
}

// HTTPScorerConfig configures the cross-encoder service client.
type HTTPScorerConfig struct {
	BaseURL     string
	Model       string
	BatchSize   int
	Concurrency int
	Timeout     time.Duration
}

// HTTPScorer calls POST {BaseURL}/rerank once per batch, batches in parallel.
type HTTPScorer struct {
	cfg    HTTPScorerConfig
	http   circuitbreaker.HTTPDoer
	logger *zap.Logger
}

func NewHTTPScorer(cfg HTTPScorerConfig, httpc circuitbreaker.HTTPDoer, logger *zap.Logger) *HTTPScorer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpc == nil {
		httpc = circuitbreaker.NewHTTPClient(&http.Client{Timeout: cfg.Timeout}, "reranker", "reranker", logger)
	}
	return &HTTPScorer{cfg: cfg, http: httpc, logger: logger}
}

type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Score fails as a whole if any batch fails.
func (s *HTTPScorer) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	scores := make([]float64, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for start := 0; start < len(texts); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end
		g.Go(func() error {
			out, err := s.scoreBatch(gctx, query, texts[start:end])
			if err != nil {
				return err
			}
			copy(scores[start:end], out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

func (s *HTTPScorer) scoreBatch(ctx context.Context, query string, batch []string) ([]float64, error) {
	url := s.cfg.BaseURL + "/rerank"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body, err := json.Marshal(rerankRequest{Query: query, Texts: batch, Model: s.cfg.Model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("reranker returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	if len(rr.Scores) != len(batch) {
		return nil, fmt.Errorf("reranker returned %d scores for %d texts", len(rr.Scores), len(batch))
	}
	return rr.Scores, nil
}
