// Package llm wraps OpenAI-compatible chat endpoints (Groq, Qwen, local
// gateways) behind a single Generate call used by the decomposer, the
// reasoning stage and the verifier.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/circuitbreaker"
	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/ratecontrol"
)

// ErrEmptyResponse is returned when the model produced no choices.
var ErrEmptyResponse = errors.New("llm returned no content")

// Generator produces a completion for a system/user prompt pair.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, system, user string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// Options configure one role-specific client.
type Options struct {
	Role        string // decomposer, reasoning, verifier
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	Timeout     time.Duration
	HTTPClient  circuitbreaker.HTTPDoer

	// Provider keys the rate limiter ("groq", "openai"); Limits may be nil.
	Provider string
	Limits   *ratecontrol.Registry
}

// Client is a Generator backed by langchaingo's OpenAI driver.
type Client struct {
	model       llms.Model
	role        string
	name        string
	temperature float64
	timeout     time.Duration
	provider    string
	limits      *ratecontrol.Registry
	logger      *zap.Logger
}

// New builds a client. Calls go through a breaker shared by every role
// that points at the same endpoint.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("llm %s: model is required", opts.Role)
	}
	doer := opts.HTTPClient
	if doer == nil {
		doer = circuitbreaker.NewHTTPClient(nil, "llm-"+opts.Role, "llm", logger)
	}
	lopts := []openai.Option{
		openai.WithToken(opts.APIKey),
		openai.WithModel(opts.Model),
		openai.WithHTTPClient(doer),
	}
	if opts.BaseURL != "" {
		lopts = append(lopts, openai.WithBaseURL(strings.TrimRight(opts.BaseURL, "/")))
	}
	model, err := openai.New(lopts...)
	if err != nil {
		return nil, fmt.Errorf("llm %s: %w", opts.Role, err)
	}
	return &Client{
		model:       model,
		role:        opts.Role,
		name:        opts.Model,
		temperature: opts.Temperature,
		timeout:     opts.Timeout,
		provider:    opts.Provider,
		limits:      opts.Limits,
		logger:      logger.With(zap.String("role", opts.Role), zap.String("model", opts.Model)),
	}, nil
}

// Generate sends a two-message conversation and returns the first choice.
func (c *Client) Generate(ctx context.Context, system, user string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.limits.Wait(ctx, c.provider); err != nil {
		metrics.RecordLLMCall(c.role, "rate_limited", 0)
		return "", fmt.Errorf("llm %s: %w", c.role, err)
	}

	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}

	start := time.Now()
	resp, err := c.model.GenerateContent(ctx, msgs, llms.WithTemperature(c.temperature))
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordLLMCall(c.role, "error", elapsed.Seconds())
		c.logger.Warn("LLM call failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return "", fmt.Errorf("llm %s: %w", c.role, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		metrics.RecordLLMCall(c.role, "empty", elapsed.Seconds())
		return "", ErrEmptyResponse
	}
	metrics.RecordLLMCall(c.role, "success", elapsed.Seconds())
	c.logger.Debug("LLM call completed", zap.Duration("elapsed", elapsed))
	return resp.Choices[0].Content, nil
}
