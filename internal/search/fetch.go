package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/circuitbreaker"
	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/util"
)

const (
	DefaultFetchMaxChars = 20000
	maxFetchBytes        = 2 << 20
)

// PageFetcher downloads a page and returns its visible text.
type PageFetcher struct {
	maxChars int
	http     circuitbreaker.HTTPDoer
	logger   *zap.Logger
}

func NewPageFetcher(maxChars int, httpc circuitbreaker.HTTPDoer, logger *zap.Logger) *PageFetcher {
	if maxChars <= 0 {
		maxChars = DefaultFetchMaxChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpc == nil {
		httpc = circuitbreaker.NewHTTPClient(nil, "web_fetch", "search", logger)
	}
	return &PageFetcher{maxChars: maxChars, http: httpc, logger: logger}
}

// Fetch returns the page text truncated to the configured length. Non-HTML
// bodies are returned as is.
func (f *PageFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("url cannot be empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "mathagent/1.0")

	resp, err := f.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", err
	}
	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		text = HTMLText(text)
	}
	text = util.Truncate(text, f.maxChars)
	f.logger.Debug("Fetched page", zap.String("url", rawURL), zap.Int("chars", len(text)))
	return text, nil
}

// FetchHit wraps Fetch as a page-fetch ExternalHit.
func (f *PageFetcher) FetchHit(ctx context.Context, title, rawURL string) (models.ExternalHit, error) {
	text, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return models.ExternalHit{}, err
	}
	return models.ExternalHit{
		Source:  models.SourcePageFetch,
		Backend: "web_fetch",
		Title:   title,
		URL:     rawURL,
		Content: text,
	}, nil
}
