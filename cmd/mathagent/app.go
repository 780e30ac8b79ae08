package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/circuitbreaker"
	"github.com/Kocoro-lab/mathagent/internal/config"
	"github.com/Kocoro-lab/mathagent/internal/decompose"
	"github.com/Kocoro-lab/mathagent/internal/embeddings"
	"github.com/Kocoro-lab/mathagent/internal/feedback"
	"github.com/Kocoro-lab/mathagent/internal/guardrail"
	"github.com/Kocoro-lab/mathagent/internal/health"
	"github.com/Kocoro-lab/mathagent/internal/llm"
	"github.com/Kocoro-lab/mathagent/internal/pipeline"
	"github.com/Kocoro-lab/mathagent/internal/policy"
	"github.com/Kocoro-lab/mathagent/internal/ratecontrol"
	"github.com/Kocoro-lab/mathagent/internal/reasoning"
	"github.com/Kocoro-lab/mathagent/internal/rerank"
	"github.com/Kocoro-lab/mathagent/internal/retrieval"
	"github.com/Kocoro-lab/mathagent/internal/search"
	"github.com/Kocoro-lab/mathagent/internal/session"
	"github.com/Kocoro-lab/mathagent/internal/streaming"
	"github.com/Kocoro-lab/mathagent/internal/vectordb"
	"github.com/Kocoro-lab/mathagent/internal/verify"
)

// app holds the wired components shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	redis    *circuitbreaker.RedisClient
	limits   *ratecontrol.Registry
	vector   *vectordb.Client
	embedder *embeddings.Service
	filter   *guardrail.Filter
	policy   *policy.Engine
	sessions *session.Manager
	streams  *streaming.Manager
	recorder *feedback.Recorder
	sqlSink  *feedback.SQLSink
	engine   *pipeline.Engine
	health   *health.Manager

	// search pieces, also served by the MCP command
	tavily    search.Backend
	wikipedia search.Backend
	fetcher   *search.PageFetcher
	mcp       *search.MCPBackend

	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Shutdown step failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// newBase wires the pieces that need no model endpoint: Redis, the vector
// index, embeddings, search backends and health checks.
func newBase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, health: health.NewManager(logger)}

	for dep, bc := range cfg.CircuitBreakers {
		circuitbreaker.Override(dep, circuitbreaker.Settings{
			HalfOpenTrials: bc.HalfOpenTrials,
			Window:         bc.Window,
			Cooldown:       bc.Cooldown,
			TripAfter:      bc.TripAfter,
			CloseAfter:     bc.CloseAfter,
		})
	}

	overrides := make(map[string]ratecontrol.RateLimit, len(cfg.Search.RPM))
	for provider, rpm := range cfg.Search.RPM {
		overrides[provider] = ratecontrol.RateLimit{RPM: rpm, Burst: 2}
	}
	a.limits = ratecontrol.NewRegistry(overrides)

	if cfg.Redis.Enabled {
		raw := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.redis = circuitbreaker.NewRedisClient(raw, "redis", logger)
		a.closers = append(a.closers, raw.Close)
		if err := a.redis.Ping(ctx); err != nil {
			logger.Warn("Redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		_ = a.health.RegisterChecker(health.NewRedisChecker(a.redis, cfg.Session.Backend == "redis"))
	}

	a.vector = vectordb.New(vectordb.Config{
		URL:        cfg.Vector.URL,
		APIKey:     cfg.Vector.APIKey,
		Collection: cfg.Vector.Collection,
		VectorSize: cfg.Vector.VectorSize,
		Timeout:    cfg.Vector.Timeout,
	}, nil, logger)
	_ = a.health.RegisterChecker(health.NewVectorChecker(a.vector.Ping))

	var cache embeddings.Cache
	if a.redis != nil {
		cache = embeddings.NewRedisCache(a.redis)
	}
	a.embedder = embeddings.New(embeddings.Config{
		BaseURL:     cfg.Embeddings.BaseURL,
		Model:       cfg.Embeddings.Model,
		QueryPrefix: cfg.Embeddings.QueryPrefix,
		Timeout:     cfg.Embeddings.Timeout,
		CacheTTL:    cfg.Embeddings.CacheTTL,
		LRUCapacity: cfg.Embeddings.LRUCapacity,
	}, cache, nil, logger)

	a.fetcher = search.NewPageFetcher(cfg.Search.FetchMaxChars, nil, logger)
	if cfg.Search.TavilyAPIKey != "" {
		a.tavily = search.NewTavily(cfg.Search.TavilyURL, cfg.Search.TavilyAPIKey, nil, logger)
	}
	a.wikipedia = search.NewWikipedia(cfg.Search.WikipediaURL, nil, logger)
	if cfg.Search.MCPCommand != "" {
		a.mcp = search.NewMCPBackend(search.StdioDialer(cfg.Search.MCPCommand, cfg.Search.MCPArgs), cfg.Search.MCPTool, cfg.Search.Timeout, logger)
		a.closers = append(a.closers, a.mcp.Close)
	}
	return a, nil
}

// newApp wires the full pipeline on top of newBase.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a, err := newBase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.wirePipeline(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wirePipeline(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	// Guardrails and admission policy
	kw := guardrail.DefaultKeywords()
	if path := a.configPath(cfg.Guardrails.File); path != "" {
		if raw, err := os.ReadFile(path); err == nil {
			parsed, perr := guardrail.ParseKeywords(raw)
			if perr != nil {
				return fmt.Errorf("guardrails %s: %w", path, perr)
			}
			kw = parsed
		}
	}
	if len(cfg.Guardrails.UnsafeKeywords) > 0 {
		kw.Unsafe = cfg.Guardrails.UnsafeKeywords
	}
	if len(cfg.Guardrails.MathKeywords) > 0 {
		kw.Math = cfg.Guardrails.MathKeywords
	}
	var admission guardrail.Admission
	if cfg.Policy.Enabled {
		eng, err := policy.NewEngine(policy.Config{
			Enabled:  true,
			Path:     cfg.Policy.Path,
			Query:    cfg.Policy.Query,
			FailOpen: cfg.Policy.FailOpen,
		}, logger)
		if err != nil {
			return err
		}
		a.policy = eng
		admission = eng
	}
	a.filter = guardrail.NewFilter(kw, admission, logger)

	// Models
	newModel := func(role string, m config.ModelConfig) (llm.Generator, error) {
		m = cfg.LLM.Resolve(m)
		return llm.New(llm.Options{
			Role:        role,
			Model:       m.Model,
			BaseURL:     m.BaseURL,
			APIKey:      m.APIKey,
			Temperature: m.Temperature,
			Timeout:     cfg.LLM.Timeout,
			Provider:    providerFor(m.BaseURL),
			Limits:      a.limits,
		}, logger)
	}
	router, err := newModel("decomposer", cfg.LLM.Decomposer)
	if err != nil {
		return err
	}
	reasoner, err := newModel("reasoning", cfg.LLM.Reasoning)
	if err != nil {
		return err
	}
	verifier, err := newModel("verifier", cfg.LLM.Verifier)
	if err != nil {
		return err
	}

	// External search
	var backends []search.Backend
	for _, name := range cfg.Search.Backends {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "tavily":
			if a.tavily == nil {
				logger.Warn("Tavily backend configured without an API key, skipping")
				continue
			}
			backends = append(backends, a.tavily)
		case "wikipedia":
			backends = append(backends, a.wikipedia)
		case "mcp":
			if a.mcp == nil {
				logger.Warn("MCP backend configured without search.mcp_command, skipping")
				continue
			}
			backends = append(backends, a.mcp)
		default:
			logger.Warn("Unknown search backend", zap.String("backend", name))
		}
	}
	searcher := search.NewAdapter(search.AdapterConfig{
		MaxResults:  cfg.Search.MaxResults,
		Timeout:     cfg.Search.Timeout,
		FetchTopURL: cfg.Search.FetchTopURL,
	}, backends, a.fetcher, a.limits, logger)

	scorer := rerank.NewHTTPScorer(rerank.HTTPScorerConfig{
		BaseURL:     cfg.Reranker.BaseURL,
		Model:       cfg.Reranker.Model,
		BatchSize:   cfg.Reranker.BatchSize,
		Concurrency: cfg.Reranker.Concurrency,
		Timeout:     cfg.Reranker.Timeout,
	}, nil, logger)

	// Sessions, events and feedback
	var store *circuitbreaker.RedisClient
	if cfg.Session.Backend == "redis" {
		if a.redis == nil {
			return fmt.Errorf("session.backend=redis requires redis.enabled")
		}
		store = a.redis
	}
	a.sessions = session.NewManager(store, session.Options{
		TTL:       cfg.Session.TTL,
		MaxTurns:  cfg.Session.MaxTurns,
		CacheSize: cfg.Session.CacheSize,
		KeyPrefix: cfg.Session.KeyPrefix,
	}, logger)
	a.closers = append(a.closers, a.sessions.Close)
	a.streams = streaming.NewManager(256)

	sink, err := a.openSink(ctx)
	if err != nil {
		return err
	}
	a.recorder = feedback.NewRecorder(sink, logger)
	a.closers = append(a.closers, a.recorder.Close)

	a.engine, err = pipeline.NewEngine(pipeline.Stages{
		Filter:     a.filter,
		Decomposer: decompose.New(router, logger),
		Retriever: retrieval.New(retrieval.Config{
			Threshold: cfg.Pipeline.Threshold,
			TopK:      cfg.Pipeline.TopK,
			Timeout:   cfg.Pipeline.StageTimeout,
		}, a.embedder, a.vector, logger),
		Searcher: searcher,
		Merger:   rerank.NewMerger(scorer, cfg.Pipeline.TopN, logger),
		Reasoner: reasoning.New(reasoner, cfg.Pipeline.ContextCapChars, logger),
		Verifier: verify.New(verifier, logger),
	}, pipeline.Options{
		RetryCap:     cfg.Pipeline.RetryCap,
		TopK:         cfg.Pipeline.TopK,
		StageTimeout: cfg.Pipeline.StageTimeout,
		RunTimeout:   cfg.Pipeline.RunTimeout,
		Store:        a.sessions,
		Recorder:     a.recorder,
		Publisher:    a.streams,
	}, logger)
	return err
}

func (a *app) openSink(ctx context.Context) (feedback.Sink, error) {
	switch a.cfg.Feedback.Sink {
	case "", "none":
		return feedback.NopSink{}, nil
	case "jsonl":
		s, err := feedback.NewJSONLSink(a.cfg.Feedback.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sql":
		s, err := feedback.OpenSQLSink(ctx, a.cfg.Feedback.Driver, a.cfg.Feedback.DSN, a.logger)
		if err != nil {
			return nil, err
		}
		a.sqlSink = s
		_ = a.health.RegisterChecker(health.NewPingChecker("feedback_db", false, s.Ping))
		return s, nil
	default:
		return nil, fmt.Errorf("unknown feedback sink %q", a.cfg.Feedback.Sink)
	}
}

// configPath resolves name against the config directory. Absolute paths
// are returned unchanged.
func (a *app) configPath(name string) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(a.cfg.Service.ConfigDir, name)
}

// providerFor keys the rate limiter by endpoint.
func providerFor(baseURL string) string {
	switch u := strings.ToLower(baseURL); {
	case strings.Contains(u, "groq"):
		return "groq"
	case strings.Contains(u, "openai"):
		return "openai"
	default:
		return "unknown"
	}
}
