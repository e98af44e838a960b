// Package llm sends single-prompt completions to an OpenAI-compatible
// chat endpoint through langchaingo.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Echoxiawan/KBaseCase/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxRetries  = 3
	defaultBaseBackoff = 1 * time.Second
	defaultRateLimit   = 1.0
	defaultBurst       = 5
	placeholderToken   = "placeholder"
)

var (
	// ErrTransport covers network failures and error responses.
	ErrTransport = errors.New("llm transport error")
	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("llm call timed out")
	// ErrEmptyResponse is returned when the model produced no choices.
	ErrEmptyResponse = errors.New("llm returned no content")
	// ErrNotConfigured is returned when base URL or model are missing.
	ErrNotConfigured = errors.New("llm not configured")
)

var tracer = otel.Tracer("kbasecase.llm")

// Options are per-call completion parameters. Zero MaxTokens leaves the
// server default.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Completer turns a prompt into model text.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// Client is a rate-limited, retrying Completer over a langchaingo model.
// It is safe for concurrent use.
type Client struct {
	model      llms.Model
	name       string
	limiter    *rate.Limiter
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

// New builds an OpenAI-compatible client from cfg.
func New(cfg config.LLMConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Model == "" {
		return nil, fmt.Errorf("%w: base_url and model are required", ErrNotConfigured)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	token := cfg.APIKey.Value()
	if token == "" {
		logger.Warn("llm api key not set; requests are sent unauthenticated", zap.String("base_url", cfg.BaseURL))
		token = placeholderToken
	}

	model, err := openai.New(
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
		openai.WithBaseURL(cfg.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotConfigured, err)
	}
	return NewWithModel(model, cfg, logger), nil
}

// NewWithModel wraps an existing langchaingo model. Only the rate limit,
// retry and timeout settings of cfg are used.
func NewWithModel(model llms.Model, cfg config.LLMConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit, burst := cfg.RateLimit, cfg.Burst
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = defaultMaxRetries
	}
	return &Client{
		model:      model,
		name:       cfg.Model,
		limiter:    rate.NewLimiter(rate.Limit(limit), burst),
		timeout:    timeout,
		maxRetries: retries,
		backoff:    defaultBaseBackoff,
		logger:     logger.Named("llm"),
	}
}

// Complete sends prompt as a single human message. Each attempt gets its
// own timeout; transient failures are retried with exponential backoff.
func (c *Client) Complete(ctx context.Context, prompt string, opts Options) (_ string, err error) {
	ctx, span := tracer.Start(ctx, "llm.Complete")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("model", c.name),
		attribute.Float64("temperature", opts.Temperature),
		attribute.Int("max_tokens", opts.MaxTokens),
		attribute.Int("prompt.chars", len(prompt)),
	)

	if err := c.limiter.Wait(ctx); err != nil {
		return "", classify(ctx, fmt.Errorf("rate limiter: %w", err))
	}

	callOpts := []llms.CallOption{llms.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<(attempt-1))
			c.logger.Debug("retrying completion",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", classify(ctx, ctx.Err())
			}
		}

		text, err := c.attempt(ctx, messages, callOpts)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1), attribute.Int("response.chars", len(text)))
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			return "", classify(ctx, err)
		}
	}
	return "", classify(ctx, fmt.Errorf("max retries exceeded: %w", lastErr))
}

func (c *Client) attempt(ctx context.Context, messages []llms.MessageContent, opts []llms.CallOption) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s: %w", ErrTimeout, c.timeout, err)
		}
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

// retryable rejects empty responses and client errors other than 429.
func retryable(err error) bool {
	if errors.Is(err, ErrEmptyResponse) {
		return false
	}
	msg := err.Error()
	for _, code := range []string{"400", "401", "403", "404", "422"} {
		if strings.Contains(msg, "status code: "+code) {
			return false
		}
	}
	return true
}

// classify maps err onto ErrTimeout or ErrTransport.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrTransport):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
}
