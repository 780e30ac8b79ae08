package search

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/mathagent/internal/models"
)

func inProcessDialer(srv *server.MCPServer) Dialer {
	return func(ctx context.Context) (*client.Client, error) {
		return client.NewInProcessClient(srv)
	}
}

func TestMCPBackendCallsTool(t *testing.T) {
	srv := server.NewMCPServer("test", "0.0.1", server.WithToolCapabilities(false))
	var gotN int
	srv.AddTool(mcp.NewTool("tavily_search",
		mcp.WithString("query", mcp.Required()),
		mcp.WithNumber("n_results"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		gotN = req.GetInt("n_results", 0)
		return mcp.NewToolResultText(`{"query":"q","results":[{"title":"T","url":"https://u","content":"c"}]}`), nil
	})

	b := NewMCPBackend(inProcessDialer(srv), "", time.Second, zaptest.NewLogger(t))
	defer b.Close()

	hits, err := b.Search(context.Background(), "q", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 3, gotN)
	assert.Equal(t, models.SourceWebSearch, hits[0].Source)
	assert.Equal(t, "mcp", hits[0].Backend)

	// second call reuses the session
	_, err = b.Search(context.Background(), "q", 3)
	require.NoError(t, err)
}

func TestMCPBackendToolError(t *testing.T) {
	srv := server.NewMCPServer("test", "0.0.1", server.WithToolCapabilities(false))
	srv.AddTool(mcp.NewTool("wiki_search", mcp.WithString("query")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(`{"error":"Wikipedia search failed."}`), nil
		})

	b := NewMCPBackend(inProcessDialer(srv), "wiki_search", time.Second, zaptest.NewLogger(t))
	defer b.Close()
	_, err := b.Search(context.Background(), "q", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Wikipedia search failed.")
}
