// Package token obtains bearer tokens from the instance metadata service.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for token acquisition.
var (
	tokenRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobfetch_token_requests_total",
		Help: "Total metadata token requests by result",
	}, []string{"result"})

	tokenRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blobfetch_token_request_duration_seconds",
		Help:    "Metadata token request duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// ErrMalformedToken is returned when a 200 response carries no usable token.
var ErrMalformedToken = errors.New("malformed token response")

// maxErrorBody caps how much of a failed response body is kept for diagnostics.
const maxErrorBody = 4096

// StatusError is returned when the metadata server answers a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("metadata token request failed (status %d): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("metadata token request failed (status %d)", e.StatusCode)
}

// Config holds the provider configuration.
type Config struct {
	// BaseURL is the metadata server origin.
	BaseURL string

	// Path is the token endpoint path.
	Path string

	// Timeout bounds one token request.
	Timeout time.Duration

	// HTTPClient overrides the default client when set.
	HTTPClient *http.Client
}

// DefaultConfig returns the configuration for the GCE metadata server.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://metadata.google.internal",
		Path:    "/computeMetadata/v1/instance/service-accounts/default/token",
		Timeout: 10 * time.Second,
	}
}

// Provider fetches a fresh token on every call. Tokens are never cached.
type Provider struct {
	httpClient *http.Client
	url        string
	logger     zerolog.Logger
}

// NewProvider creates a token provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("metadata base url is required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("metadata token path is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Provider{
		httpClient: httpClient,
		url:        strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		logger:     log.With().Str("component", "token").Logger(),
	}, nil
}

// Token requests an access token from the metadata server.
func (p *Provider) Token(ctx context.Context) (string, error) {
	start := time.Now()
	defer func() {
		tokenRequestDuration.Observe(time.Since(start).Seconds())
	}()

	p.logger.Debug().Str("url", p.url).Msg("fetching access token")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		tokenRequestsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		tokenRequestsTotal.WithLabelValues("network_error").Inc()
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		tokenRequestsTotal.WithLabelValues("status_error").Inc()
		return "", &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		tokenRequestsTotal.WithLabelValues("malformed").Inc()
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if payload.AccessToken == "" {
		tokenRequestsTotal.WithLabelValues("malformed").Inc()
		return "", fmt.Errorf("%w: access_token missing", ErrMalformedToken)
	}

	tokenRequestsTotal.WithLabelValues("ok").Inc()
	return payload.AccessToken, nil
}
