// Package mcpserver exposes the search backends as MCP tools so that other
// agents, or this one through the MCP search backend, can call them.
package mcpserver

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/search"
)

const (
	ServerName    = "math_agent_tools"
	ServerVersion = "1.0.0"
)

// Fetcher downloads a page as text.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Tools are the implementations behind the MCP tools. Nil entries leave
// the tool unregistered.
type Tools struct {
	Web       search.Backend
	Knowledge search.Backend
	Fetcher   Fetcher
}

type result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

type searchPayload struct {
	Query   string   `json:"query"`
	Results []result `json:"results"`
}

type fetchPayload struct {
	URL     string `json:"url"`
	Content string `json:"content"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// New builds the MCP server with the available tools.
func New(tools Tools, logger *zap.Logger) *server.MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false))

	if tools.Web != nil {
		srv.AddTool(mcp.NewTool("tavily_search",
			mcp.WithDescription("Web search for math explanations and worked solutions."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Search query text")),
			mcp.WithNumber("n_results", mcp.Description("Number of results, 1 to 10")),
		), searchHandler(tools.Web, "n_results", 5, false, "Tavily search failed.", logger))
	}
	if tools.Knowledge != nil {
		srv.AddTool(mcp.NewTool("wiki_search",
			mcp.WithDescription("Wikipedia search for definitions and theorems."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Topic to search")),
			mcp.WithNumber("limit", mcp.Description("Number of results, 1 to 10")),
		), searchHandler(tools.Knowledge, "limit", 3, true, "Wikipedia search failed.", logger))
	}
	if tools.Fetcher != nil {
		srv.AddTool(mcp.NewTool("web_fetch",
			mcp.WithDescription("Fetch the visible text of a web page."),
			mcp.WithString("url", mcp.Required(), mcp.Description("The URL to fetch")),
		), fetchHandler(tools.Fetcher, logger))
	}
	return srv
}

// ServeStdio runs the server on stdin/stdout until the input closes.
func ServeStdio(srv *server.MCPServer) error {
	return server.ServeStdio(srv)
}

func searchHandler(b search.Backend, countArg string, def int, snippets bool, failMsg string, logger *zap.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := strings.TrimSpace(req.GetString("query", ""))
		if query == "" {
			return jsonResult(errorPayload{Error: "Query cannot be empty."}), nil
		}
		n := req.GetInt(countArg, def)
		if n <= 0 {
			n = def
		}
		if n > 10 {
			n = 10
		}
		hits, err := b.Search(ctx, query, n)
		if err != nil {
			logger.Warn("MCP search tool failed", zap.String("backend", b.Name()), zap.Error(err))
			return jsonResult(errorPayload{Error: failMsg}), nil
		}
		out := searchPayload{Query: query, Results: make([]result, 0, len(hits))}
		for _, h := range hits {
			r := result{Title: h.Title, URL: h.URL}
			if snippets {
				r.Snippet = h.Content
			} else {
				r.Content = h.Content
			}
			out.Results = append(out.Results, r)
		}
		logger.Info("MCP search tool", zap.String("backend", b.Name()), zap.String("query", query), zap.Int("results", len(out.Results)))
		return jsonResult(out), nil
	}
}

func fetchHandler(f Fetcher, logger *zap.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url := strings.TrimSpace(req.GetString("url", ""))
		if url == "" {
			return jsonResult(errorPayload{Error: "URL cannot be empty."}), nil
		}
		text, err := f.Fetch(ctx, url)
		if err != nil {
			logger.Warn("MCP fetch tool failed", zap.String("url", url), zap.Error(err))
			return jsonResult(errorPayload{Error: "Failed to fetch URL."}), nil
		}
		return jsonResult(fetchPayload{URL: url, Content: text}), nil
	}
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(b))
}
