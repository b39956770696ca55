// Package report persists per-request batch reports in Redis.
//
// The HTTP response of a batch only carries the byte total, which cannot tell
// "all fetches failed" apart from "all objects were empty". Reports keep the
// explicit success and failure counts for later inspection.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/blobfetch/pkg/dispatch"
)

const (
	// RedisKeyReports is the Redis list holding reports, newest first.
	RedisKeyReports = "blobfetch:reports"

	// DefaultMaxEntries is the default number of retained reports.
	DefaultMaxEntries = 100
)

// ErrInvalidReport indicates a stored report could not be decoded.
var ErrInvalidReport = errors.New("invalid stored report")

var reportOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "blobfetch_report_operations_total",
	Help: "Report store operations by operation (save, recent) and result (ok, error)",
}, []string{"operation", "result"})

// Report describes one completed batch.
type Report struct {
	ID         uuid.UUID     `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Targets    int           `json:"targets"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	TotalBytes uint64        `json:"total_bytes"`
	Workers    int           `json:"workers"`
	Strategy   string        `json:"strategy"`
}

// NewReport builds a report with a fresh ID from a batch summary.
func NewReport(s dispatch.Summary, startedAt time.Time, duration time.Duration, cfg dispatch.Config) Report {
	return Report{
		ID:         uuid.New(),
		StartedAt:  startedAt.UTC(),
		Duration:   duration,
		Targets:    s.Targets,
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
		TotalBytes: s.TotalBytes,
		Workers:    cfg.Workers,
		Strategy:   string(cfg.Strategy),
	}
}

// Store keeps the most recent reports in a capped Redis list.
type Store struct {
	redis      *redis.Client
	maxEntries int64
}

// NewStore creates a report store. maxEntries <= 0 selects DefaultMaxEntries.
func NewStore(redisClient *redis.Client, maxEntries int) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{
		redis:      redisClient,
		maxEntries: int64(maxEntries),
	}
}

// Save prepends r and trims the list to the retention limit in one pipeline.
func (s *Store) Save(ctx context.Context, r Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		reportOperationsTotal.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("marshal report: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.LPush(ctx, RedisKeyReports, data)
	pipe.LTrim(ctx, RedisKeyReports, 0, s.maxEntries-1)

	if _, err := pipe.Exec(ctx); err != nil {
		reportOperationsTotal.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("store report in redis: %w", err)
	}

	reportOperationsTotal.WithLabelValues("save", "ok").Inc()
	return nil
}

// Recent returns up to n reports, newest first. n <= 0 returns all retained
// reports.
func (s *Store) Recent(ctx context.Context, n int) ([]Report, error) {
	limit := s.maxEntries
	if n > 0 && int64(n) < limit {
		limit = int64(n)
	}

	raw, err := s.redis.LRange(ctx, RedisKeyReports, 0, limit-1).Result()
	if err != nil {
		reportOperationsTotal.WithLabelValues("recent", "error").Inc()
		return nil, fmt.Errorf("redis lrange: %w", err)
	}

	reports := make([]Report, 0, len(raw))
	for _, item := range raw {
		var r Report
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			reportOperationsTotal.WithLabelValues("recent", "error").Inc()
			return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
		}
		reports = append(reports, r)
	}

	reportOperationsTotal.WithLabelValues("recent", "ok").Inc()
	return reports, nil
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
