// Package transport builds and sends the outbound analysis request: it
// resolves the endpoint for an operation, attaches the bearer credential and
// posts the JSON body, returning the raw streaming response.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/pario-ai/insight/pkg/config"
	"github.com/pario-ai/insight/pkg/models"
	"github.com/pario-ai/insight/pkg/router"
)

// CredentialSource supplies the bearer credential for an endpoint. The
// default source returns the credential configured on the endpoint.
type CredentialSource interface {
	Credential(ctx context.Context, endpoint config.EndpointConfig) (string, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context, endpoint config.EndpointConfig) (string, error)

// Credential implements CredentialSource.
func (f CredentialFunc) Credential(ctx context.Context, endpoint config.EndpointConfig) (string, error) {
	return f(ctx, endpoint)
}

type staticCredentials struct{}

func (staticCredentials) Credential(_ context.Context, e config.EndpointConfig) (string, error) {
	return e.Credential, nil
}

// Client opens analysis streams against configured endpoints.
type Client struct {
	router      *router.Router
	httpClient  *http.Client
	limiter     *rate.Limiter
	credentials CredentialSource
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. The client must not set a total
// Timeout, since streams are long-lived; cancel through the context instead.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCredentials overrides where bearer credentials come from.
func WithCredentials(src CredentialSource) Option {
	return func(c *Client) { c.credentials = src }
}

// WithLimiter overrides the outbound rate limiter. Nil disables limiting.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// New creates a Client from cfg.
func New(cfg *config.Config, opts ...Option) *Client {
	c := &Client{
		router:      router.New(cfg),
		httpClient:  http.DefaultClient,
		credentials: staticCredentials{},
	}
	if rl := cfg.RateLimit; rl.RequestsPerSecond > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open posts req to the endpoint routed for req.Operation and returns the
// response for any status code. The caller owns resp.Body and must close it.
func (c *Client) Open(ctx context.Context, req models.AnalysisRequest) (*http.Response, error) {
	endpoint, err := c.router.Resolve(req.Operation)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	credential, err := c.credentials.Credential(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("credential for %s: %w", endpoint.Name, err)
	}

	if req.History == nil {
		req.History = []models.ChatMessage{}
	}
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	return doStreamRequest(ctx, c.httpClient, endpoint, credential, body)
}

// doStreamRequest sends body to the endpoint and returns the raw response.
func doStreamRequest(ctx context.Context, hc *http.Client, endpoint config.EndpointConfig, credential string, body []byte) (*http.Response, error) {
	target, err := url.Parse(endpoint.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	log.Debug().Str("endpoint", endpoint.Name).Int("bytes", len(body)).Msg("opening stream")
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", endpoint.Name, err)
	}
	return resp, nil
}
