package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/search"
)

type stubBackend struct {
	name string
	hits []models.ExternalHit
	err  error
	gotN int
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Search(_ context.Context, _ string, n int) ([]models.ExternalHit, error) {
	s.gotN = n
	return s.hits, s.err
}

type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, url string) (string, error) {
	if url == "https://bad" {
		return "", errors.New("status 500")
	}
	return "page text", nil
}

func callTool(t *testing.T, cli *client.Client, name string, args map[string]any) map[string]any {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := cli.CallTool(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &out))
	return out
}

func TestTools(t *testing.T) {
	web := &stubBackend{name: "tavily", hits: []models.ExternalHit{{Title: "Quadratic formula", URL: "https://q", Content: "x = ..."}}}
	wiki := &stubBackend{name: "wikipedia", err: errors.New("timeout")}
	srv := New(Tools{Web: web, Knowledge: wiki, Fetcher: stubFetcher{}}, zaptest.NewLogger(t))

	cli, err := client.NewInProcessClient(srv)
	require.NoError(t, err)
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cli.Start(ctx))
	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "0"}
	_, err = cli.Initialize(ctx, init)
	require.NoError(t, err)

	tools, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, tools.Tools, 3)

	out := callTool(t, cli, "tavily_search", map[string]any{"query": "quadratic", "n_results": 50})
	assert.Equal(t, 10, web.gotN)
	results := out["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "x = ...", results[0].(map[string]any)["content"])

	out = callTool(t, cli, "tavily_search", map[string]any{"query": "  "})
	assert.Equal(t, "Query cannot be empty.", out["error"])

	out = callTool(t, cli, "wiki_search", map[string]any{"query": "pythagoras"})
	assert.Equal(t, "Wikipedia search failed.", out["error"])
	assert.Equal(t, 3, wiki.gotN)

	out = callTool(t, cli, "web_fetch", map[string]any{"url": "https://ok"})
	assert.Equal(t, "page text", out["content"])
	out = callTool(t, cli, "web_fetch", map[string]any{"url": "https://bad"})
	assert.Equal(t, "Failed to fetch URL.", out["error"])
}

func TestSearchBackendRoundTrip(t *testing.T) {
	wiki := &stubBackend{name: "wikipedia", hits: []models.ExternalHit{{Title: "Prime", URL: "https://en.wikipedia.org/wiki/Prime", Content: "a prime is"}}}
	srv := New(Tools{Knowledge: wiki}, nil)

	b := search.NewMCPBackend(func(context.Context) (*client.Client, error) {
		return client.NewInProcessClient(srv)
	}, "wiki_search", time.Second, zaptest.NewLogger(t))
	defer b.Close()

	hits, err := b.Search(context.Background(), "prime", 2)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a prime is", hits[0].Content)
	assert.Equal(t, models.SourceKnowledgeBase, hits[0].Source)
	assert.Equal(t, 2, wiki.gotN)
}
