package github

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig configures retries of GitHub API calls.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 3
	MaxRetries int

	// Default: 1 second
	InitialBackoff time.Duration

	// Default: 30 seconds
	MaxBackoff time.Duration

	// Default: 2
	BackoffMultiplier float64
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
}

// retryOperation runs op until it succeeds, fails with a non-retryable
// error, or the retries are used up. Rate limited calls wait for the reset
// time, capped at MaxBackoff.
func retryOperation(ctx context.Context, cfg *RetryConfig, logger *logging.Logger, op func() (*github.Response, error)) (*github.Response, error) {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}

	var (
		lastErr  error
		lastResp *github.Response
		backoff  = cfg.InitialBackoff
		start    = time.Now()
	)
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := op()
		if err == nil {
			if attempt > 0 {
				logger.Info(ctx, "GitHub API operation recovered after retries",
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(start)),
				)
			}
			return resp, nil
		}
		lastErr, lastResp = err, resp

		if !isRetryable(err, resp) {
			logger.Debug(ctx, "GitHub API error is not retryable",
				zap.Error(err), zap.Int("status_code", statusCode(resp)))
			return resp, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		wait := backoff
		if isRateLimited(resp) {
			wait = rateLimitBackoff(resp, cfg.MaxBackoff)
			logger.Info(ctx, "GitHub API rate limit hit",
				zap.Int("attempt", attempt+1), zap.Duration("backoff", wait))
		} else {
			logger.Info(ctx, "retrying GitHub API operation",
				zap.Int("attempt", attempt+1),
				zap.Int("status_code", statusCode(resp)),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	logger.Warn(ctx, "GitHub API operation failed after all retries",
		zap.Int("total_attempts", cfg.MaxRetries+1),
		zap.Duration("total_time", time.Since(start)),
		zap.Int("status_code", statusCode(lastResp)),
		zap.Error(lastErr),
	)
	return lastResp, fmt.Errorf("GitHub API operation failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

func isRetryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	if resp == nil || resp.Response == nil {
		// Network errors and timeouts.
		return true
	}
	switch code := resp.Response.StatusCode; code {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		// Secondary rate limits come back as 403 with rate headers.
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	default:
		return code >= 500 && code < 600
	}
}

func isRateLimited(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	switch resp.Response.StatusCode {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	}
	return false
}

func rateLimitBackoff(resp *github.Response, maxBackoff time.Duration) time.Duration {
	if resp.Rate.Reset.Time.IsZero() {
		return maxBackoff
	}
	backoff := time.Until(resp.Rate.Reset.Time) + time.Second
	if backoff < time.Second {
		backoff = time.Second
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}
