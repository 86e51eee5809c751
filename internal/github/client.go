// Package github connects goalkeeper to GitHub: commit statuses mirror goal
// states, failures are reported as commit comments, and single files are
// read through the contents API.
package github

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Client is a GitHub API client whose calls retry on rate limits and
// server errors.
type Client struct {
	gh            *github.Client
	retry         *RetryConfig
	logger        *logging.Logger
	statusContext string
}

type Option func(*Client)

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		if u, err := url.Parse(base); err == nil {
			c.gh.BaseURL = u
		}
	}
}

func WithRetry(cfg *RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithStatusContext prefixes the commit status contexts the client writes.
// Defaults to DefaultStatusContext.
func WithStatusContext(prefix string) Option {
	return func(c *Client) {
		if prefix != "" {
			c.statusContext = prefix
		}
	}
}

// NewClient creates a client authenticated with token.
func NewClient(ctx context.Context, token config.Secret, opts ...Option) (*Client, error) {
	if !token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	c := &Client{
		gh:     github.NewClient(oauth2.NewClient(ctx, ts)),
		retry:         DefaultRetryConfig(),
		logger:        logging.NewNop(),
		statusContext: DefaultStatusContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("github")
	return c, nil
}

// API returns the underlying go-github client.
func (c *Client) API() *github.Client { return c.gh }

func (c *Client) do(ctx context.Context, op func() (*github.Response, error)) (*github.Response, error) {
	return retryOperation(ctx, c.retry, c.logger, op)
}
