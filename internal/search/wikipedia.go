package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/circuitbreaker"
	"github.com/Kocoro-lab/mathagent/internal/models"
)

const DefaultWikipediaURL = "https://en.wikipedia.org/w/api.php"

// Wikipedia uses the MediaWiki search API. No key is needed.
type Wikipedia struct {
	apiURL string
	http   circuitbreaker.HTTPDoer
	logger *zap.Logger
}

func NewWikipedia(apiURL string, httpc circuitbreaker.HTTPDoer, logger *zap.Logger) *Wikipedia {
	if apiURL == "" {
		apiURL = DefaultWikipediaURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpc == nil {
		httpc = circuitbreaker.NewHTTPClient(nil, "wikipedia", "search", logger)
	}
	return &Wikipedia{apiURL: apiURL, http: httpc, logger: logger}
}

func (w *Wikipedia) Name() string { return "wikipedia" }

type wikiResponse struct {
	Query struct {
		Search []struct {
			Title   string `json:"title"`
			Snippet string `json:"snippet"`
		} `json:"search"`
	} `json:"query"`
}

// ArticleURL maps a page title to its article URL on the same host as apiURL.
func ArticleURL(apiURL, title string) string {
	if title == "" {
		return ""
	}
	base := "https://en.wikipedia.org"
	if u, err := url.Parse(apiURL); err == nil && u.Host != "" {
		base = u.Scheme + "://" + u.Host
	}
	return base + "/wiki/" + strings.ReplaceAll(title, " ", "_")
}

func (w *Wikipedia) Search(ctx context.Context, query string, limit int) ([]models.ExternalHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "search")
	params.Set("srsearch", query)
	params.Set("format", "json")
	params.Set("srlimit", strconv.Itoa(clamp(limit, 3, 10)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "mathagent/1.0")

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wikipedia request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wikipedia status %d", resp.StatusCode)
	}
	var wr wikiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("decode wikipedia response: %w", err)
	}

	hits := make([]models.ExternalHit, 0, len(wr.Query.Search))
	for _, r := range wr.Query.Search {
		hits = append(hits, models.ExternalHit{
			Source:  models.SourceKnowledgeBase,
			Backend: w.Name(),
			Title:   r.Title,
			URL:     ArticleURL(w.apiURL, r.Title),
			Content: HTMLText(r.Snippet),
		})
	}
	w.logger.Debug("Wikipedia search", zap.String("query", query), zap.Int("results", len(hits)))
	return hits, nil
}
