// Package completion wraps the external text generator behind Complete and
// Stream calls with overload-aware bounded retry.
package completion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// StreamFunc receives one text delta. Returning an error abandons the
// underlying provider stream.
type StreamFunc func(ctx context.Context, delta string) error

// Client is the completion client. Safe for concurrent use.
type Client struct {
	g           *genkit.Genkit
	modelName   string
	retry       RetryConfig
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// Options customizes a Client.
type Options struct {
	Retry RetryConfig

	// RateLimiter bounds outbound provider calls. Nil installs a default of
	// 10 req/s with burst 30.
	RateLimiter *rate.Limiter
}

// New creates a completion Client for the given model.
func New(g *genkit.Genkit, modelName string, logger *slog.Logger, opts Options) (*Client, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	if modelName == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialInterval == 0 {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.RateLimiter == nil {
		opts.RateLimiter = rate.NewLimiter(10, 30)
	}
	return &Client{
		g:           g,
		modelName:   modelName,
		retry:       opts.Retry,
		rateLimiter: opts.RateLimiter,
		logger:      logger,
	}, nil
}

// Complete runs one non-streaming generation.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	resp, err := c.generateWithRetry(ctx, systemPrompt, userPrompt, maxTokens, nil, nil)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Stream runs one streaming generation, forwarding each delta to fn as it
// arrives. If fn returns an error, or the caller's context is canceled, the
// provider stream is abandoned rather than drained. Returns the full text.
//
// Retry only applies before the first delta has been forwarded; a stream
// that fails mid-flight is not restarted, since the caller already saw
// partial output.
func (c *Client) Stream(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, fn StreamFunc) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("stream callback is required")
	}

	var delivered bool
	cb := func(cbCtx context.Context, chunk *ai.ModelResponseChunk) error {
		text := chunk.Text()
		if text == "" {
			return nil
		}
		delivered = true
		return fn(cbCtx, text)
	}

	resp, err := c.generateWithRetry(ctx, systemPrompt, userPrompt, maxTokens, cb, &delivered)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// generateWithRetry issues the provider call with exponential backoff on the
// overloaded error class. Each attempt passes through the rate limiter.
func (c *Client) generateWithRetry(ctx context.Context, systemPrompt, userPrompt string, maxTokens int,
	cb func(context.Context, *ai.ModelResponseChunk) error, delivered *bool) (*ai.ModelResponse, error) {

	opts := []ai.GenerateOption{
		ai.WithModelName(c.modelName),
		ai.WithSystem(systemPrompt),
		ai.WithPrompt(userPrompt),
	}
	if maxTokens > 0 {
		opts = append(opts, ai.WithConfig(&genai.GenerateContentConfig{
			MaxOutputTokens: int32(maxTokens),
		}))
	}
	if cb != nil {
		opts = append(opts, ai.WithStreaming(cb))
	}

	var lastErr error
	delay := c.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		resp, err := genkit.Generate(ctx, c.g, opts...)
		if err == nil {
			c.logger.Debug("generation completed",
				"attempts", attempt+1, "elapsed", time.Since(start))
			return resp, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, fmt.Errorf("generate: %w", err)
		}
		if delivered != nil && *delivered {
			// Partial output already reached the caller.
			return nil, fmt.Errorf("generate stream failed mid-flight: %w", err)
		}
		if attempt == c.retry.MaxRetries {
			break
		}

		c.logger.Debug("provider overloaded, retrying",
			"attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, c.retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("generate after %d retries (elapsed: %v): %w",
		c.retry.MaxRetries, time.Since(start), lastErr)
}
