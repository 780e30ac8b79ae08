// Package embeddings turns text into vectors via the embedding service,
// with a two-level cache in front of it.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/circuitbreaker"
	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/tracing"
)

// ErrEmptyBatch is returned by EmbedBatch for an empty input.
var ErrEmptyBatch = errors.New("embedding batch is empty")

// DefaultQueryPrefix is prepended to retrieval queries (not documents).
const DefaultQueryPrefix = "Represent this sentence for retrieving relevant math problems: "

// Config controls the embedding client.
type Config struct {
	BaseURL     string
	Model       string
	QueryPrefix string
	Timeout     time.Duration
	CacheTTL    time.Duration
	LRUCapacity int
}

// Embedder is what retrieval and ingestion depend on.
type Embedder interface {
	Embed(ctx context.Context, text string, isQuery bool) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, isQuery bool) ([][]float32, error)
}

// Service calls POST {BaseURL}/embeddings/.
type Service struct {
	cfg    Config
	http   circuitbreaker.HTTPDoer
	cache  Cache
	lru    *LocalLRU
	logger *zap.Logger
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// New creates the service. cache may be nil; httpc nil gets a breaker-wrapped
// default client.
func New(cfg Config, cache Cache, httpc circuitbreaker.HTTPDoer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Model == "" {
		cfg.Model = "BAAI/bge-large-en-v1.5"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpc == nil {
		httpc = circuitbreaker.NewHTTPClient(&http.Client{Timeout: cfg.Timeout}, "embeddings", "embeddings", logger)
	}
	return &Service{
		cfg:    cfg,
		http:   httpc,
		cache:  cache,
		lru:    NewLocalLRU(cfg.LRUCapacity),
		logger: logger,
	}
}

func (s *Service) Model() string { return s.cfg.Model }

func (s *Service) prepare(text string, isQuery bool) string {
	if isQuery {
		return s.cfg.QueryPrefix + text
	}
	return text
}

// Embed returns the vector for one text.
func (s *Service) Embed(ctx context.Context, text string, isQuery bool) ([]float32, error) {
	out, err := s.EmbedBatch(ctx, []string{text}, isQuery)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch returns one vector per input in the same order. It fails as a
// whole: either every text gets a vector or an error is returned.
func (s *Service) EmbedBatch(ctx context.Context, texts []string, isQuery bool) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyBatch
	}

	results := make([][]float32, len(texts))
	var pending []string
	var pendingIdx []int
	for i, t := range texts {
		prepared := s.prepare(t, isQuery)
		key := MakeKey(s.cfg.Model, prepared)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				s.lru.Set(ctx, key, v, s.cfg.CacheTTL)
				results[i] = v
				continue
			}
		}
		pending = append(pending, prepared)
		pendingIdx = append(pendingIdx, i)
	}
	if len(pending) == 0 {
		return results, nil
	}

	vecs, err := s.call(ctx, pending)
	if err != nil {
		return nil, err
	}
	for i, v := range vecs {
		results[pendingIdx[i]] = v
		key := MakeKey(s.cfg.Model, pending[i])
		s.lru.Set(ctx, key, v, s.cfg.CacheTTL)
		if s.cache != nil {
			s.cache.Set(ctx, key, v, s.cfg.CacheTTL)
		}
	}
	return results, nil
}

func (s *Service) call(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	url := s.cfg.BaseURL + "/embeddings/"

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(embedRequest{Texts: texts, Model: s.cfg.Model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(er.Embeddings) != len(texts) {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding service returned %d embeddings for %d texts", len(er.Embeddings), len(texts))
	}

	out := make([][]float32, len(er.Embeddings))
	dim := -1
	for i, e := range er.Embeddings {
		if len(e) == 0 || (dim >= 0 && len(e) != dim) {
			metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("embedding %d has inconsistent dimension %d", i, len(e))
		}
		dim = len(e)
		v := make([]float32, len(e))
		for j, f := range e {
			v[j] = float32(f)
		}
		out[i] = v
	}
	metrics.RecordEmbeddingMetrics(s.cfg.Model, "success", time.Since(start).Seconds())
	s.logger.Debug("Embedded batch", zap.Int("texts", len(texts)), zap.Int("dim", dim))
	return out, nil
}
