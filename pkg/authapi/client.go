package authapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/reservei/backoffice/pkg/slogx"
)

// DefaultTimeout bounds every backend request when the caller supplies no
// HTTP client of its own.
const DefaultTimeout = 10 * time.Second

// TokenSource supplies the bearer credential for outgoing requests. An empty
// string means "send no Authorization header".
type TokenSource interface {
	AccessToken(ctx context.Context) string
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) string

func (f TokenSourceFunc) AccessToken(ctx context.Context) string { return f(ctx) }

// Client talks to the back-office authentication endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Tokens, when set, is consulted on every request; a non-empty token is
	// attached as "Authorization: Bearer <token>".
	Tokens TokenSource
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// WithTokenSource sets the bearer credential source.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.Tokens = ts }
}

// WithLogger routes request logging through logger. It wraps the current
// HTTP client's transport, so pass it after WithHTTPClient.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		hc := *c.HTTPClient
		hc.Transport = slogx.NewTransport(hc.Transport, logger.With("component", "authapi"))
		c.HTTPClient = &hc
	}
}

// NewClient creates a client for the API rooted at baseURL
// (e.g. "https://api.example.com/api").
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
