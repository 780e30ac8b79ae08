// Package vectordb is a small Qdrant HTTP client for the problem index.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/circuitbreaker"
	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/tracing"
)

// ErrCollectionNotFound is returned by CollectionInfo for a missing collection.
var ErrCollectionNotFound = errors.New("qdrant collection not found")

// Client talks to one Qdrant collection.
type Client struct {
	cfg   Config
	base  string
	httpw circuitbreaker.HTTPDoer
	log   *zap.Logger
}

// New builds a client. httpc may be nil.
func New(cfg Config, httpc circuitbreaker.HTTPDoer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		cfg.URL = "http://localhost:6333"
	}
	if cfg.Collection == "" {
		cfg.Collection = "hendrycks_maths"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if httpc == nil {
		httpc = circuitbreaker.NewHTTPClient(&http.Client{Timeout: cfg.Timeout}, "qdrant", "qdrant", logger)
	}
	return &Client{cfg: cfg, base: strings.TrimRight(cfg.URL, "/"), httpw: httpc, log: logger}
}

func (c *Client) Collection() string { return c.cfg.Collection }

type qdrantQueryRequest struct {
	Query       []float32              `json:"query"`
	Limit       int                    `json:"limit"`
	WithPayload bool                   `json:"with_payload"`
	Filter      map[string]interface{} `json:"filter,omitempty"`
}

type qdrantPoint struct {
	ID      interface{}     `json:"id"`
	Score   float64         `json:"score"`
	Payload json.RawMessage `json:"payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantPoint `json:"result"`
	Status string        `json:"status"`
}

// qdrantQueryResponse for /points/query, which nests the points.
type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// MatchFilter builds a Qdrant "must" filter with one exact-match clause per
// entry. Keys are sorted so the request body is stable.
func MatchFilter(filters map[string]string) map[string]interface{} {
	if len(filters) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	must := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		must = append(must, map[string]interface{}{
			"key":   k,
			"match": map[string]interface{}{"value": filters[k]},
		})
	}
	return map[string]interface{}{"must": must}
}

func (c *Client) do(ctx context.Context, method, url string, body interface{}) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)
	return c.httpw.Do(req)
}

// Search returns up to topK nearest neighbors of vec, best first. filters
// are exact payload matches; nil or empty means unfiltered.
func (c *Client) Search(ctx context.Context, vec []float32, topK int, filters map[string]string) ([]models.RetrievalHit, error) {
	start := time.Now()
	collection := c.cfg.Collection
	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.base, collection)

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, urlQuery)
	defer span.End()

	filter := MatchFilter(filters)
	points, err := c.query(ctx, urlQuery, qdrantQueryRequest{Query: vec, Limit: topK, WithPayload: true, Filter: filter})
	if err != nil {
		// older servers only have /points/search
		c.log.Debug("points/query failed, falling back to points/search", zap.Error(err))
		legacy := map[string]interface{}{"vector": vec, "limit": topK, "with_payload": true}
		if filter != nil {
			legacy["filter"] = filter
		}
		points, err = c.legacySearch(ctx, fmt.Sprintf("%s/collections/%s/points/search", c.base, collection), legacy)
		if err != nil {
			metrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("qdrant query/search failed: %w", err)
		}
	}

	hits := make([]models.RetrievalHit, 0, len(points))
	for _, p := range points {
		hit := models.RetrievalHit{ID: fmt.Sprintf("%v", p.ID), Score: p.Score}
		if len(p.Payload) > 0 {
			if err := json.Unmarshal(p.Payload, &hit.Payload); err != nil {
				c.log.Warn("Skipping point with malformed payload", zap.String("id", hit.ID), zap.Error(err))
				continue
			}
		}
		hits = append(hits, hit)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	metrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
	return hits, nil
}

func (c *Client) query(ctx context.Context, url string, body qdrantQueryRequest) ([]qdrantPoint, error) {
	resp, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qdrant status %d", resp.StatusCode)
	}
	var qr qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, err
	}
	return qr.Result.Points, nil
}

func (c *Client) legacySearch(ctx context.Context, url string, body map[string]interface{}) ([]qdrantPoint, error) {
	resp, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qdrant status %d", resp.StatusCode)
	}
	var sr qdrantSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, err
	}
	return sr.Result, nil
}

// Upsert inserts or updates points and waits for the write to be applied.
func (c *Client) Upsert(ctx context.Context, points []Point) (*UpsertResponse, error) {
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPut, url)
	defer span.End()

	resp, err := c.do(ctx, http.MethodPut, url, map[string]interface{}{"points": points})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("qdrant upsert status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var r UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}
