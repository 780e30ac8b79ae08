package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/circuitbreaker"
	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/util"
)

const (
	DefaultTavilyURL = "https://api.tavily.com/search"
	tavilyMaxContent = 1000
)

// Tavily calls the Tavily search API.
type Tavily struct {
	url    string
	apiKey string
	http   circuitbreaker.HTTPDoer
	logger *zap.Logger
}

func NewTavily(url, apiKey string, httpc circuitbreaker.HTTPDoer, logger *zap.Logger) *Tavily {
	if url == "" {
		url = DefaultTavilyURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpc == nil {
		httpc = circuitbreaker.NewHTTPClient(nil, "tavily", "search", logger)
	}
	return &Tavily{url: url, apiKey: apiKey, http: httpc, logger: logger}
}

func (t *Tavily) Name() string { return "tavily" }

type tavilyRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	MaxResults        int    `json:"max_results"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search returns at most maxResults hits, clamped to [1,10]; content is cut
// to 1000 characters.
func (t *Tavily) Search(ctx context.Context, query string, maxResults int) ([]models.ExternalHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if t.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	body, err := json.Marshal(tavilyRequest{
		APIKey:     t.apiKey,
		Query:      query,
		MaxResults: clamp(maxResults, 3, 10),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily status %d", resp.StatusCode)
	}
	var tr tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode tavily response: %w", err)
	}

	hits := make([]models.ExternalHit, 0, len(tr.Results))
	for _, r := range tr.Results {
		hits = append(hits, models.ExternalHit{
			Source:  models.SourceWebSearch,
			Backend: t.Name(),
			Title:   r.Title,
			URL:     r.URL,
			Content: util.Truncate(r.Content, tavilyMaxContent),
		})
	}
	t.logger.Debug("Tavily search", zap.String("query", query), zap.Int("results", len(hits)))
	return hits, nil
}
