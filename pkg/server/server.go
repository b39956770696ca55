// Package server provides the HTTP surface of blobfetch.
//
// GET / runs one fetch batch: acquire a bearer token, dispatch every target
// through the Fetch Dispatcher and answer "total bytes: <N>". Token failure is
// the only error that fails a request; individual fetch failures only lower
// the total.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/blobfetch/pkg/dispatch"
	"github.com/Sternrassler/blobfetch/pkg/fetch"
	"github.com/Sternrassler/blobfetch/pkg/logging"
	"github.com/Sternrassler/blobfetch/pkg/metrics"
	"github.com/Sternrassler/blobfetch/pkg/report"
)

// Prometheus metrics for the HTTP surface.
var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobfetch_batches_total",
		Help: "Total batch requests by result (ok, token_error)",
	}, []string{"result"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobfetch_http_requests_total",
		Help: "Total HTTP requests by route template and status code",
	}, []string{"route", "code"})
)

// defaultReportLimit is used by /reports without a limit parameter.
const defaultReportLimit = 20

// TokenSource acquires a bearer token for one batch.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Dispatcher runs one batch of fetches.
type Dispatcher interface {
	Dispatch(ctx context.Context, targets []string, token string) []fetch.Outcome
	Config() dispatch.Config
}

// ReportStore persists batch reports.
type ReportStore interface {
	Save(ctx context.Context, r report.Report) error
	Recent(ctx context.Context, n int) ([]report.Report, error)
}

// Config holds the server dependencies.
type Config struct {
	// Targets is the static list of identifiers fetched by every batch.
	Targets []string

	// Tokens acquires a fresh token per batch.
	Tokens TokenSource

	// Dispatcher runs the batch.
	Dispatcher Dispatcher

	// Reports is optional. When nil, /reports answers 404.
	Reports ReportStore

	// Ready is an optional readiness probe for /ready.
	Ready func(ctx context.Context) error
}

// Server serves batch requests.
type Server struct {
	targets    []string
	tokens     TokenSource
	dispatcher Dispatcher
	reports    ReportStore
	ready      func(ctx context.Context) error
	logger     zerolog.Logger
}

// New creates a server. The target list is copied.
func New(cfg Config) (*Server, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	return &Server{
		targets:    append([]string(nil), cfg.Targets...),
		tokens:     cfg.Tokens,
		dispatcher: cfg.Dispatcher,
		reports:    cfg.Reports,
		ready:      cfg.Ready,
		logger:     logging.NewLogger("server"),
	}, nil
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(instrument)

	r.HandleFunc("/", s.handleBatch).Methods(http.MethodGet)
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	r.HandleFunc("/reports", s.reportsHandler).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return r
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	s.logger.Info().Msg("fetching access token")
	token, err := s.tokens.Token(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to fetch access token")
		batchesTotal.WithLabelValues("token_error").Inc()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	// The batch runs to completion even if the client goes away.
	ctx := context.WithoutCancel(r.Context())

	outcomes := s.dispatcher.Dispatch(ctx, s.targets, token)
	summary := dispatch.Summarize(outcomes)
	stop := time.Now()

	s.logger.Info().
		Int("targets", summary.Targets).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Uint64("total_bytes", summary.TotalBytes).
		Int64("duration_ms", stop.Sub(start).Milliseconds()).
		Int64("start_ms", start.UnixMilli()).
		Int64("stop_ms", stop.UnixMilli()).
		Msgf("finished request processing in %d ms", stop.Sub(start).Milliseconds())
	batchesTotal.WithLabelValues("ok").Inc()

	if s.reports != nil {
		rep := report.NewReport(summary, start, stop.Sub(start), s.dispatcher.Config())
		if err := s.reports.Save(ctx, rep); err != nil {
			s.logger.Warn().Err(err).Str("report_id", rep.ID.String()).Msg("failed to save batch report")
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "total bytes: %d", summary.TotalBytes)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.ready(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("readiness check failed")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) reportsHandler(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		http.Error(w, "report store not configured", http.StatusNotFound)
		return
	}

	limit := defaultReportLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", raw), http.StatusBadRequest)
			return
		}
		limit = n
	}

	reports, err := s.reports.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load batch reports")
		http.Error(w, "failed to load reports", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reports); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write reports response")
	}
}

// statusRecorder captures the response status for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		httpRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}
