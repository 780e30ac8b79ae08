package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/models"
)

// Dialer returns a started MCP client.
type Dialer func(ctx context.Context) (*client.Client, error)

// StdioDialer launches command as a subprocess speaking MCP over stdio.
func StdioDialer(command string, args []string) Dialer {
	return func(ctx context.Context) (*client.Client, error) {
		return client.NewStdioMCPClient(command, nil, args...)
	}
}

// MCPBackend calls a search tool on a long-lived MCP server connection.
// The connection is opened on first use and reopened after a failure.
type MCPBackend struct {
	tool    string
	dial    Dialer
	timeout time.Duration
	logger  *zap.Logger

	mu  sync.Mutex
	cli *client.Client
}

func NewMCPBackend(dial Dialer, tool string, timeout time.Duration, logger *zap.Logger) *MCPBackend {
	if tool == "" {
		tool = "tavily_search"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MCPBackend{tool: tool, dial: dial, timeout: timeout, logger: logger}
}

func (b *MCPBackend) Name() string { return "mcp" }

func (b *MCPBackend) connect(ctx context.Context) (*client.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cli != nil {
		return b.cli, nil
	}
	cli, err := b.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("start mcp client: %w", err)
	}
	if err := cli.Start(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("start mcp transport: %w", err)
	}
	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "mathagent", Version: "1.0.0"}
	if _, err := cli.Initialize(ctx, init); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("initialize mcp session: %w", err)
	}
	b.cli = cli
	b.logger.Info("MCP search session ready", zap.String("tool", b.tool))
	return cli, nil
}

func (b *MCPBackend) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cli != nil {
		_ = b.cli.Close()
		b.cli = nil
	}
}

// Close ends the MCP session.
func (b *MCPBackend) Close() error {
	b.reset()
	return nil
}

type toolPayload struct {
	Error   string `json:"error"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

func (b *MCPBackend) Search(ctx context.Context, query string, maxResults int) ([]models.ExternalHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cli, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = b.tool
	args := map[string]any{"query": query}
	if b.tool == "wiki_search" {
		args["limit"] = maxResults
	} else {
		args["n_results"] = maxResults
	}
	req.Params.Arguments = args

	res, err := cli.CallTool(ctx, req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			b.reset()
		}
		return nil, fmt.Errorf("mcp %s: %w", b.tool, err)
	}

	var text strings.Builder
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			text.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return nil, fmt.Errorf("mcp %s: %s", b.tool, text.String())
	}

	var payload toolPayload
	if err := json.Unmarshal([]byte(text.String()), &payload); err != nil {
		return nil, fmt.Errorf("mcp %s returned non-JSON: %w", b.tool, err)
	}
	if payload.Error != "" {
		return nil, fmt.Errorf("mcp %s: %s", b.tool, payload.Error)
	}

	source := models.SourceWebSearch
	if b.tool == "wiki_search" {
		source = models.SourceKnowledgeBase
	}
	hits := make([]models.ExternalHit, 0, len(payload.Results))
	for _, r := range payload.Results {
		content := r.Content
		if content == "" {
			content = r.Snippet
		}
		hits = append(hits, models.ExternalHit{
			Source:  source,
			Backend: b.Name(),
			Title:   r.Title,
			URL:     r.URL,
			Content: content,
		})
	}
	return hits, nil
}
