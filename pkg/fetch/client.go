// Package fetch provides the Blob Fetcher: a single authenticated GET against
// object storage, with the outcome classified and timed.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for blob fetches.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobfetch_fetch_requests_total",
		Help: "Total object fetches by HTTP status (network_error when no response)",
	}, []string{"status"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blobfetch_fetch_duration_seconds",
		Help:    "Duration of single object fetches including body download",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobfetch_fetch_errors_total",
		Help: "Total failed object fetches by error class",
	}, []string{"class"})

	fetchBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobfetch_fetch_bytes_total",
		Help: "Total body bytes received from successful fetches",
	})
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassNetwork represents transport failures: connection, DNS, TLS,
	// timeouts and interrupted body reads.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassClient represents 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassStatus represents any other non-200 response (1xx, 2xx, 3xx).
	ErrorClassStatus ErrorClass = "status"

	// ErrorClassRequest represents identifiers that cannot form a request.
	ErrorClassRequest ErrorClass = "request"
)

// Client fetches objects from a single object-storage host.
// It holds no per-fetch state and is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	config     Config
	logger     zerolog.Logger
}

// Config holds the fetcher configuration.
type Config struct {
	// BaseURL is the object-storage origin identifiers are resolved against.
	BaseURL string

	// Timeout bounds one fetch including the body download.
	Timeout time.Duration

	// MaxIdleConnsPerHost should be at least the dispatcher worker count so
	// that every worker keeps its own warm connection.
	MaxIdleConnsPerHost int

	// UserAgent is sent when non-empty.
	UserAgent string
}

// DefaultConfig returns the configuration for Google Cloud Storage.
func DefaultConfig() Config {
	return Config{
		BaseURL:             "https://storage.googleapis.com",
		Timeout:             30 * time.Second,
		MaxIdleConnsPerHost: 100,
	}
}

// New creates a new blob fetcher.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	if cfg.MaxIdleConnsPerHost < 0 {
		return nil, fmt.Errorf("max_idle_conns_per_host must be >= 0 (got %d)", cfg.MaxIdleConnsPerHost)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConnsPerHost > 0 {
		transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
		transport.MaxIdleConns = cfg.MaxIdleConnsPerHost * 2
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		config:  cfg,
		logger:  log.With().Str("component", "fetcher").Logger(),
	}, nil
}

// Fetch performs one GET of identifier with token as bearer credential.
// Failures are logged and returned as an Outcome with OK=false and zero
// bytes; Fetch never retries.
func (c *Client) Fetch(ctx context.Context, identifier, token string) (out Outcome) {
	out = Outcome{Identifier: identifier, Start: time.Now()}
	defer func() {
		fetchDuration.Observe(out.Duration().Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(identifier), nil)
	if err != nil {
		c.logger.Error().Err(err).Str("identifier", identifier).Msg("failed to build request")
		return c.fail(out, 0, ErrorClassRequest, fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Authorization", "Bearer "+token)
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("identifier", identifier).Msg("failed to fetch")
		fetchRequestsTotal.WithLabelValues("network_error").Inc()
		return c.fail(out, 0, ErrorClassNetwork, err)
	}
	defer resp.Body.Close()

	fetchRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		class := classifyStatus(resp.StatusCode)
		c.logger.Warn().
			Str("identifier", identifier).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("status for target")
		return c.fail(out, resp.StatusCode, class, fmt.Errorf("unexpected status: %s", resp.Status))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error().Err(err).Str("identifier", identifier).Msg("failed to read body")
		return c.fail(out, resp.StatusCode, ErrorClassNetwork, fmt.Errorf("read body: %w", err))
	}

	out.Stop = time.Now()
	out.OK = true
	out.StatusCode = resp.StatusCode
	out.Bytes = uint64(len(body))
	fetchBytesTotal.Add(float64(out.Bytes))

	c.logger.Info().
		Str("identifier", identifier).
		Int64("duration_ms", out.Duration().Milliseconds()).
		Int64("start_ms", out.Start.UnixMilli()).
		Int64("stop_ms", out.Stop.UnixMilli()).
		Uint64("bytes", out.Bytes).
		Msgf("%s: %d ms", identifier, out.Duration().Milliseconds())

	return out
}

// fail finalizes a failed outcome.
func (c *Client) fail(out Outcome, status int, class ErrorClass, err error) Outcome {
	out.Stop = time.Now()
	out.StatusCode = status
	out.Class = class
	out.Err = &FetchError{
		Identifier: out.Identifier,
		StatusCode: status,
		Class:      class,
		Err:        err,
	}
	fetchErrorsTotal.WithLabelValues(string(class)).Inc()
	return out
}

// resolve turns an identifier into a request URL. Identifiers are object
// paths relative to BaseURL; absolute http(s) URLs are used as-is.
func (c *Client) resolve(identifier string) string {
	if strings.HasPrefix(identifier, "http://") || strings.HasPrefix(identifier, "https://") {
		return identifier
	}
	if !strings.HasPrefix(identifier, "/") {
		return c.baseURL + "/" + identifier
	}
	return c.baseURL + identifier
}

// classifyStatus categorizes a non-200 status code.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassStatus
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
