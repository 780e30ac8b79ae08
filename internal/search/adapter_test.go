package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/ratecontrol"
)

type fakeBackend struct {
	name  string
	hits  []models.ExternalHit
	err   error
	delay time.Duration
	seen  int
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Search(ctx context.Context, query string, maxResults int) ([]models.ExternalHit, error) {
	f.seen = maxResults
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.hits, f.err
}

func web(title string) models.ExternalHit {
	return models.ExternalHit{Source: models.SourceWebSearch, Title: title, URL: "https://ex.com/" + title, Content: title}
}

func TestAdapterKeepsBackendOrderAndSkipsFailures(t *testing.T) {
	a := &fakeBackend{name: "a", hits: []models.ExternalHit{web("a1"), web("a2")}}
	broken := &fakeBackend{name: "broken", err: errors.New("500")}
	b := &fakeBackend{name: "b", hits: []models.ExternalHit{web("b1")}}

	ad := NewAdapter(AdapterConfig{}, []Backend{a, broken, b}, nil, ratecontrol.NewRegistry(nil), zaptest.NewLogger(t))
	hits := ad.Search(context.Background(), "q")

	require.Len(t, hits, 3)
	assert.Equal(t, []string{"a1", "a2", "b1"}, []string{hits[0].Title, hits[1].Title, hits[2].Title})
	assert.Equal(t, DefaultMaxResults, a.seen)
}

func TestAdapterCapsResults(t *testing.T) {
	a := &fakeBackend{name: "a", hits: []models.ExternalHit{web("1"), web("2"), web("3"), web("4")}}
	ad := NewAdapter(AdapterConfig{MaxResults: 2}, []Backend{a}, nil, nil, zaptest.NewLogger(t))
	assert.Len(t, ad.Search(context.Background(), "q"), 2)
}

func TestAdapterTimeoutIsZeroHits(t *testing.T) {
	slow := &fakeBackend{name: "slow", hits: []models.ExternalHit{web("late")}, delay: time.Second}
	fast := &fakeBackend{name: "fast", hits: []models.ExternalHit{web("fast")}}
	ad := NewAdapter(AdapterConfig{Timeout: 20 * time.Millisecond}, []Backend{slow, fast}, nil, nil, zaptest.NewLogger(t))

	hits := ad.Search(context.Background(), "q")
	require.Len(t, hits, 1)
	assert.Equal(t, "fast", hits[0].Title)
}

func TestAdapterEmpty(t *testing.T) {
	ad := NewAdapter(AdapterConfig{}, nil, nil, nil, zaptest.NewLogger(t))
	assert.Empty(t, ad.Search(context.Background(), "q"))

	ad = NewAdapter(AdapterConfig{}, []Backend{&fakeBackend{name: "x"}}, nil, nil, zaptest.NewLogger(t))
	assert.Empty(t, ad.Search(context.Background(), "  "))
}

func TestAdapterFetchesTopURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<p>full page</p>"))
	}))
	defer srv.Close()

	hit := models.ExternalHit{Source: models.SourceWebSearch, Title: "t", URL: srv.URL, Content: "snippet"}
	a := &fakeBackend{name: "a", hits: []models.ExternalHit{hit}}
	ad := NewAdapter(AdapterConfig{FetchTopURL: true}, []Backend{a}, NewPageFetcher(0, srv.Client(), zaptest.NewLogger(t)), nil, zaptest.NewLogger(t))

	hits := ad.Search(context.Background(), "q")
	require.Len(t, hits, 2)
	assert.Equal(t, models.SourcePageFetch, hits[1].Source)
	assert.Equal(t, "full page", hits[1].Content)
}
