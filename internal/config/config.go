package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/mathagent/internal/logging"
	"github.com/Kocoro-lab/mathagent/internal/tracing"
)

// Config is the full process configuration.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Logging    logging.Config   `mapstructure:"logging"`
	Tracing    tracing.Config   `mapstructure:"tracing"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Session    SessionConfig    `mapstructure:"session"`
	Vector     VectorConfig     `mapstructure:"vector"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Reranker   RerankerConfig   `mapstructure:"reranker"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Search     SearchConfig     `mapstructure:"search"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Feedback   FeedbackConfig   `mapstructure:"feedback"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Temporal   TemporalConfig   `mapstructure:"temporal"`
	Policy     PolicyConfig     `mapstructure:"policy"`

	// CircuitBreakers overrides breaker tuning per dependency
	// (llm, qdrant, search, redis, db). Zero fields keep the defaults.
	CircuitBreakers map[string]BreakerConfig `mapstructure:"circuit_breakers"`
}

type ServiceConfig struct {
	Name      string `mapstructure:"name"`
	HTTPAddr  string `mapstructure:"http_addr"`
	ConfigDir string `mapstructure:"config_dir"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SessionConfig struct {
	Backend   string        `mapstructure:"backend"` // memory | redis
	TTL       time.Duration `mapstructure:"ttl"`
	MaxTurns  int           `mapstructure:"max_turns"`
	CacheSize int           `mapstructure:"cache_size"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

type VectorConfig struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	Collection string        `mapstructure:"collection"`
	VectorSize int           `mapstructure:"vector_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type EmbeddingsConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	QueryPrefix string        `mapstructure:"query_prefix"`
	Timeout     time.Duration `mapstructure:"timeout"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	LRUCapacity int           `mapstructure:"lru_capacity"`
}

type RerankerConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ModelConfig describes one LLM role.
type ModelConfig struct {
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
}

type LLMConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Decomposer ModelConfig   `mapstructure:"decomposer"`
	Reasoning  ModelConfig   `mapstructure:"reasoning"`
	Verifier   ModelConfig   `mapstructure:"verifier"`
}

// Resolve fills role-level blanks from the shared LLM settings.
func (l LLMConfig) Resolve(m ModelConfig) ModelConfig {
	if m.BaseURL == "" {
		m.BaseURL = l.BaseURL
	}
	if m.APIKey == "" {
		m.APIKey = l.APIKey
	}
	return m
}

type SearchConfig struct {
	Backends      []string       `mapstructure:"backends"` // tavily, wikipedia, mcp
	MaxResults    int            `mapstructure:"max_results"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	RPM           map[string]int `mapstructure:"rpm"` // per-provider override
	FetchTopURL   bool           `mapstructure:"fetch_top_url"`
	FetchMaxChars int            `mapstructure:"fetch_max_chars"`
	TavilyAPIKey  string         `mapstructure:"tavily_api_key"`
	TavilyURL     string         `mapstructure:"tavily_url"`
	WikipediaURL  string         `mapstructure:"wikipedia_url"`
	MCPCommand    string         `mapstructure:"mcp_command"`
	MCPArgs       []string       `mapstructure:"mcp_args"`
	MCPTool       string         `mapstructure:"mcp_tool"`
}

type PipelineConfig struct {
	Threshold       float64       `mapstructure:"threshold"`
	TopK            int           `mapstructure:"top_k"`
	TopN            int           `mapstructure:"top_n"`
	RetryCap        int           `mapstructure:"retry_cap"`
	ContextCapChars int           `mapstructure:"context_cap_chars"`
	StageTimeout    time.Duration `mapstructure:"stage_timeout"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
}

type GuardrailsConfig struct {
	File           string   `mapstructure:"file"`
	UnsafeKeywords []string `mapstructure:"unsafe_keywords"`
	MathKeywords   []string `mapstructure:"math_keywords"`
}

type FeedbackConfig struct {
	Sink   string `mapstructure:"sink"` // jsonl | sql | none
	Path   string `mapstructure:"path"`
	Driver string `mapstructure:"driver"` // postgres | sqlite3
	DSN    string `mapstructure:"dsn"`
}

type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type BreakerConfig struct {
	HalfOpenTrials uint32        `mapstructure:"half_open_trials"`
	Window         time.Duration `mapstructure:"window"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	TripAfter      uint32        `mapstructure:"trip_after"`
	CloseAfter     uint32        `mapstructure:"close_after"`
}

type PolicyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Path     string `mapstructure:"path"`
	Query    string `mapstructure:"query"`
	FailOpen bool   `mapstructure:"fail_open"`
}

// legacyEnv maps the environment variable names used by existing
// deployments onto config keys.
var legacyEnv = map[string][]string{
	"vector.url":               {"QDRANT_URL"},
	"vector.api_key":           {"QDRANT_API_KEY"},
	"vector.collection":        {"QDRANT_COLLECTION"},
	"pipeline.threshold":       {"RAG_THRESHOLD"},
	"embeddings.model":         {"EMBED_MODEL"},
	"embeddings.base_url":      {"EMBEDDINGS_URL"},
	"reranker.base_url":        {"RERANKER_URL"},
	"search.tavily_api_key":    {"TAVILY_API_KEY"},
	"llm.api_key":              {"LLM_API_KEY", "GROQ_API_KEY"},
	"llm.decomposer.model":     {"GROQ_MODEL"},
	"llm.reasoning.model":      {"QWEN_MODEL"},
	"llm.reasoning.api_key":    {"QWEN_API_KEY"},
	"llm.verifier.model":       {"GPT_MODEL"},
	"llm.verifier.api_key":     {"GPT_API_KEY"},
	"llm.verifier.temperature": {"VERIFIER_TEMPERATURE"},
	"redis.addr":               {"REDIS_ADDR"},
	"auth.jwt_secret":          {"JWT_SECRET"},
	"temporal.host_port":       {"TEMPORAL_HOST"},
	"feedback.dsn":             {"FEEDBACK_DSN"},
	"logging.level":            {"LOG_LEVEL"},
	"metrics.addr":             {"METRICS_ADDR"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "mathagent")
	v.SetDefault("service.http_addr", ":8080")
	v.SetDefault("service.config_dir", "config")

	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "mathagent")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":2112")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.ttl", 720*time.Hour)
	v.SetDefault("session.max_turns", 20)
	v.SetDefault("session.cache_size", 1000)
	v.SetDefault("session.key_prefix", "mathagent:thread:")

	v.SetDefault("vector.url", "http://localhost:6333")
	v.SetDefault("vector.collection", "hendrycks_maths")
	v.SetDefault("vector.vector_size", 1024)
	v.SetDefault("vector.timeout", 10*time.Second)

	v.SetDefault("embeddings.base_url", "http://localhost:8000")
	v.SetDefault("embeddings.model", "BAAI/bge-large-en-v1.5")
	v.SetDefault("embeddings.query_prefix", "Represent this sentence for retrieving relevant math problems: ")
	v.SetDefault("embeddings.timeout", 10*time.Second)
	v.SetDefault("embeddings.cache_ttl", time.Hour)
	v.SetDefault("embeddings.lru_capacity", 2048)

	v.SetDefault("reranker.base_url", "http://localhost:8000")
	v.SetDefault("reranker.model", "cross-encoder/ms-marco-MiniLM-L-12-v2")
	v.SetDefault("reranker.batch_size", 32)
	v.SetDefault("reranker.concurrency", 4)
	v.SetDefault("reranker.timeout", 10*time.Second)

	v.SetDefault("llm.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.decomposer.model", "llama-3.1-8b-instant")
	v.SetDefault("llm.decomposer.temperature", 0.0)
	v.SetDefault("llm.reasoning.model", "qwen/qwen3-32b")
	v.SetDefault("llm.reasoning.temperature", 0.2)
	v.SetDefault("llm.verifier.model", "openai/gpt-oss-20b")
	v.SetDefault("llm.verifier.temperature", 0.0)

	v.SetDefault("search.backends", []string{"tavily", "wikipedia"})
	v.SetDefault("search.max_results", 3)
	v.SetDefault("search.timeout", 15*time.Second)
	v.SetDefault("search.fetch_top_url", false)
	v.SetDefault("search.fetch_max_chars", 20000)
	v.SetDefault("search.tavily_url", "https://api.tavily.com/search")
	v.SetDefault("search.wikipedia_url", "https://en.wikipedia.org/w/api.php")
	v.SetDefault("search.mcp_tool", "tavily_search")

	v.SetDefault("pipeline.threshold", 0.80)
	v.SetDefault("pipeline.top_k", 5)
	v.SetDefault("pipeline.top_n", 8)
	v.SetDefault("pipeline.retry_cap", 2)
	v.SetDefault("pipeline.context_cap_chars", 2000)
	v.SetDefault("pipeline.stage_timeout", 60*time.Second)
	v.SetDefault("pipeline.run_timeout", 15*time.Minute)

	v.SetDefault("guardrails.file", "guardrails.yaml")

	v.SetDefault("feedback.sink", "jsonl")
	v.SetDefault("feedback.path", "data/feedback/feedback_log.jsonl")
	v.SetDefault("feedback.driver", "sqlite3")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.issuer", "mathagent")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "mathagent")

	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.path", "config/policies")
	v.SetDefault("policy.query", "data.mathagent.admission.decision")
	v.SetDefault("policy.fail_open", true)

	// Registered so AutomaticEnv can see them during Unmarshal.
	for _, key := range []string{
		"redis.password", "vector.api_key", "llm.api_key", "search.tavily_api_key",
		"search.mcp_command", "feedback.dsn", "auth.jwt_secret", "logging.file",
		"llm.decomposer.api_key", "llm.reasoning.api_key", "llm.verifier.api_key",
		"llm.decomposer.base_url", "llm.reasoning.base_url", "llm.verifier.base_url",
	} {
		v.SetDefault(key, "")
	}
}

// Load reads path (or CONFIG_PATH, or ./config/mathagent.yaml when present),
// applies defaults, MATHAGENT_* env overrides and the legacy variable names,
// and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		if _, err := os.Stat("config/mathagent.yaml"); err == nil {
			path = "config/mathagent.yaml"
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("MATHAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		for _, name := range names {
			if val, ok := os.LookupEnv(name); ok && val != "" {
				v.Set(key, val)
				break
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WorstCaseRun is the longest a run can spend in stages: seven stages on the
// first pass and four more per retry, each bounded by stageTimeout.
func WorstCaseRun(stageTimeout time.Duration, retryCap int) time.Duration {
	return stageTimeout * time.Duration(7+4*retryCap)
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	p := c.Pipeline
	if p.Threshold < -1 || p.Threshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.threshold must be in [-1,1], got %v", p.Threshold))
	}
	if p.TopK < 1 || p.TopK > 20 {
		errs = append(errs, fmt.Errorf("pipeline.top_k must be in [1,20], got %d", p.TopK))
	}
	if p.TopN < 1 {
		errs = append(errs, fmt.Errorf("pipeline.top_n must be positive, got %d", p.TopN))
	}
	if p.RetryCap < 0 {
		errs = append(errs, fmt.Errorf("pipeline.retry_cap must be >= 0, got %d", p.RetryCap))
	}
	if p.RunTimeout > 0 && p.StageTimeout > 0 && p.RetryCap >= 0 {
		if worst := WorstCaseRun(p.StageTimeout, p.RetryCap); p.RunTimeout < worst {
			errs = append(errs, fmt.Errorf("pipeline.run_timeout %s is shorter than the worst-case stage budget %s", p.RunTimeout, worst))
		}
	}
	if p.ContextCapChars < 1 {
		errs = append(errs, fmt.Errorf("pipeline.context_cap_chars must be positive, got %d", p.ContextCapChars))
	}
	if c.Search.MaxResults < 1 {
		errs = append(errs, fmt.Errorf("search.max_results must be positive, got %d", c.Search.MaxResults))
	}
	if c.Reranker.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("reranker.batch_size must be positive, got %d", c.Reranker.BatchSize))
	}
	switch c.Session.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("session.backend must be memory or redis, got %q", c.Session.Backend))
	}
	if c.Session.Backend == "redis" && !c.Redis.Enabled {
		errs = append(errs, errors.New("session.backend=redis requires redis.enabled"))
	}
	switch c.Feedback.Sink {
	case "jsonl", "sql", "none":
	default:
		errs = append(errs, fmt.Errorf("feedback.sink must be jsonl, sql or none, got %q", c.Feedback.Sink))
	}
	if c.Feedback.Sink == "sql" && c.Feedback.DSN == "" {
		errs = append(errs, errors.New("feedback.dsn is required for the sql sink"))
	}
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 bytes when auth is enabled"))
	}
	return errors.Join(errs...)
}
