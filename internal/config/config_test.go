package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.80, cfg.Pipeline.Threshold)
	assert.Equal(t, 5, cfg.Pipeline.TopK)
	assert.Equal(t, 8, cfg.Pipeline.TopN)
	assert.Equal(t, 2, cfg.Pipeline.RetryCap)
	assert.Equal(t, 2000, cfg.Pipeline.ContextCapChars)
	assert.Equal(t, 3, cfg.Search.MaxResults)
	assert.Equal(t, "hendrycks_maths", cfg.Vector.Collection)
	assert.Equal(t, "http://localhost:6333", cfg.Vector.URL)
	assert.Equal(t, "llama-3.1-8b-instant", cfg.LLM.Decomposer.Model)
	assert.Equal(t, "qwen/qwen3-32b", cfg.LLM.Reasoning.Model)
	assert.Equal(t, 0.2, cfg.LLM.Reasoning.Temperature)
	assert.Equal(t, "openai/gpt-oss-20b", cfg.LLM.Verifier.Model)
	assert.Equal(t, 32, cfg.Reranker.BatchSize)
	assert.Equal(t, []string{"tavily", "wikipedia"}, cfg.Search.Backends)
	assert.Equal(t, "memory", cfg.Session.Backend)
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.RunTimeout)
	assert.GreaterOrEqual(t, cfg.Pipeline.RunTimeout, WorstCaseRun(cfg.Pipeline.StageTimeout, cfg.Pipeline.RetryCap))
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mathagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipeline:
  top_k: 7
  retry_cap: 1
search:
  backends: [wikipedia]
llm:
  api_key: from-file
`), 0o644))

	t.Setenv("RAG_THRESHOLD", "0.65")
	t.Setenv("QDRANT_COLLECTION", "custom")
	t.Setenv("GROQ_API_KEY", "groq-key")
	t.Setenv("MATHAGENT_PIPELINE_TOP_N", "4")
	t.Setenv("MATHAGENT_SEARCH_TIMEOUT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Pipeline.TopK)
	assert.Equal(t, 1, cfg.Pipeline.RetryCap)
	assert.Equal(t, 4, cfg.Pipeline.TopN)
	assert.Equal(t, 0.65, cfg.Pipeline.Threshold)
	assert.Equal(t, "custom", cfg.Vector.Collection)
	assert.Equal(t, "groq-key", cfg.LLM.APIKey)
	assert.Equal(t, 3*time.Second, cfg.Search.Timeout)
	assert.Equal(t, []string{"wikipedia"}, cfg.Search.Backends)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_PATH", "")
	loaded, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above range", func(c *Config) { c.Pipeline.Threshold = 1.5 }},
		{"top_k zero", func(c *Config) { c.Pipeline.TopK = 0 }},
		{"top_k too big", func(c *Config) { c.Pipeline.TopK = 21 }},
		{"negative retry cap", func(c *Config) { c.Pipeline.RetryCap = -1 }},
		{"run timeout below stage budget", func(c *Config) { c.Pipeline.RunTimeout = 5 * time.Minute }},
		{"unknown session backend", func(c *Config) { c.Session.Backend = "etcd" }},
		{"redis sessions without redis", func(c *Config) { c.Session.Backend = "redis" }},
		{"sql sink without dsn", func(c *Config) { c.Feedback.Sink = "sql" }},
		{"short jwt secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "short" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *loaded
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveModel(t *testing.T) {
	l := LLMConfig{BaseURL: "https://shared", APIKey: "shared-key"}
	m := l.Resolve(ModelConfig{Model: "m", APIKey: "own"})
	assert.Equal(t, "https://shared", m.BaseURL)
	assert.Equal(t, "own", m.APIKey)
}
