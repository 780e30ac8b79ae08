package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/mathagent/internal/models"
)

func TestTavilySearch(t *testing.T) {
	var got tavilyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"results":[{"title":"Quadratic","url":"https://ex.com/q","content":"` + strings.Repeat("x", 1500) + `"}]}`))
	}))
	defer srv.Close()

	tv := NewTavily(srv.URL, "key", srv.Client(), zaptest.NewLogger(t))
	hits, err := tv.Search(context.Background(), " roots of x^2 ", 50)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 10, got.MaxResults)
	assert.Equal(t, "roots of x^2", got.Query)
	assert.Equal(t, "key", got.APIKey)
	assert.Equal(t, models.SourceWebSearch, hits[0].Source)
	assert.Len(t, hits[0].Content, 1000)
}

func TestTavilyRequiresKeyAndQuery(t *testing.T) {
	tv := NewTavily("http://unused", "", nil, zaptest.NewLogger(t))
	_, err := tv.Search(context.Background(), "q", 3)
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	tv = NewTavily("http://unused", "k", nil, zaptest.NewLogger(t))
	_, err = tv.Search(context.Background(), "  ", 3)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestWikipediaSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "search", q.Get("list"))
		assert.Equal(t, "3", q.Get("srlimit"))
		_, _ = w.Write([]byte(`{"query":{"search":[{"title":"Quadratic equation","snippet":"a <span class=\"searchmatch\">quadratic</span> equation"}]}}`))
	}))
	defer srv.Close()

	wk := NewWikipedia(srv.URL+"/w/api.php", srv.Client(), zaptest.NewLogger(t))
	hits, err := wk.Search(context.Background(), "quadratic", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, models.SourceKnowledgeBase, hits[0].Source)
	assert.Equal(t, "a quadratic equation", hits[0].Content)
	assert.Equal(t, srv.URL+"/wiki/Quadratic_equation", hits[0].URL)
}

func TestArticleURLDefaultsHost(t *testing.T) {
	assert.Equal(t, "https://en.wikipedia.org/wiki/Pythagorean_theorem", ArticleURL(DefaultWikipediaURL, "Pythagorean theorem"))
	assert.Empty(t, ArticleURL(DefaultWikipediaURL, ""))
}

func TestPageFetcherStripsAndTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><style>p{}</style><script>var x=1;</script></head><body><p>Hello   <b>math</b></p></body></html>`))
	}))
	defer srv.Close()

	f := NewPageFetcher(8, srv.Client(), zaptest.NewLogger(t))
	text, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Hello ma", text)

	f = NewPageFetcher(0, srv.Client(), zaptest.NewLogger(t))
	hit, err := f.FetchHit(context.Background(), "t", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, models.SourcePageFetch, hit.Source)
	assert.Equal(t, "Hello math", hit.Content)
}

func TestHTMLText(t *testing.T) {
	assert.Equal(t, "x = 4", HTMLText("<span>x</span> = <i>4</i>"))
	assert.Equal(t, "plain text", HTMLText("plain   text"))
	assert.Equal(t, "", HTMLText(""))
}
