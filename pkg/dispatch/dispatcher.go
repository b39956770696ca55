package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/blobfetch/pkg/fetch"
)

// Strategy selects how tasks are distributed across workers.
type Strategy string

const (
	// StrategyCursor runs workers that claim indices from a shared atomic counter.
	StrategyCursor Strategy = "cursor"

	// StrategyPool submits tasks to a long-lived worker Pool.
	StrategyPool Strategy = "pool"

	// StrategyFuture runs one errgroup task per target with a concurrency limit.
	StrategyFuture Strategy = "future"
)

// ErrorClassPanic marks an outcome whose fetcher panicked.
const ErrorClassPanic fetch.ErrorClass = "panic"

// ErrTaskPanic is wrapped into the outcome of a task whose fetcher panicked.
var ErrTaskPanic = errors.New("fetch task panicked")

// ParseStrategy converts a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyCursor, "":
		return StrategyCursor, nil
	case StrategyPool:
		return StrategyPool, nil
	case StrategyFuture:
		return StrategyFuture, nil
	default:
		return "", fmt.Errorf("unknown dispatch strategy %q (want cursor, pool or future)", s)
	}
}

// Fetcher is the interface the blob fetcher must implement.
// Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, identifier, token string) fetch.Outcome
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, identifier, token string) fetch.Outcome

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, identifier, token string) fetch.Outcome {
	return f(ctx, identifier, token)
}

// Config holds dispatcher configuration.
type Config struct {
	// Workers is the maximum number of fetches in flight per batch.
	Workers int

	// Strategy selects the distribution model (default: cursor).
	Strategy Strategy
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Workers:  50,
		Strategy: StrategyCursor,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver replaces the default metrics observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// WithPool makes a pool-strategy dispatcher submit to p instead of creating
// its own. The caller keeps ownership of p.
func WithPool(p *Pool) Option {
	return func(d *Dispatcher) {
		d.pool = p
	}
}

// Dispatcher distributes fetch tasks across a bounded set of workers.
type Dispatcher struct {
	fetcher  Fetcher
	config   Config
	observer Observer
	pool     *Pool
	ownsPool bool
	logger   zerolog.Logger
}

// New creates a dispatcher.
func New(f Fetcher, cfg Config, opts ...Option) (*Dispatcher, error) {
	if f == nil {
		return nil, fmt.Errorf("fetcher is required")
	}

	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be > 0 (got %d)", cfg.Workers)
	}

	strategy, err := ParseStrategy(string(cfg.Strategy))
	if err != nil {
		return nil, err
	}
	cfg.Strategy = strategy

	logger := log.With().Str("component", "dispatcher").Logger()

	d := &Dispatcher{
		fetcher:  f,
		config:   cfg,
		observer: newMetricsObserver(logger),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.observer == nil {
		d.observer = NopObserver{}
	}

	if cfg.Strategy == StrategyPool {
		if d.pool == nil {
			d.pool = NewPool(cfg.Workers)
			d.ownsPool = true
		} else if d.pool.Workers() > cfg.Workers {
			return nil, fmt.Errorf("shared pool has %d workers, more than the configured %d", d.pool.Workers(), cfg.Workers)
		}
	}

	return d, nil
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.config
}

// Close releases the dispatcher's own worker pool, if any.
// Dispatch must not be called after Close.
func (d *Dispatcher) Close() {
	if d.ownsPool {
		d.pool.Close()
	}
}

// Dispatch fetches every target with token and returns one outcome per
// target, outcome i belonging to targets[i]. It blocks until all fetches have
// finished. Cancelling ctx does not stop the batch early; it is only passed
// through to the fetcher.
func (d *Dispatcher) Dispatch(ctx context.Context, targets []string, token string) []fetch.Outcome {
	results := make([]fetch.Outcome, len(targets))
	if len(targets) == 0 {
		return results
	}

	batch := Batch{
		Targets:  len(targets),
		Workers:  d.config.Workers,
		Strategy: d.config.Strategy,
		Start:    time.Now(),
	}
	d.observer.BatchStarted(batch)

	switch d.config.Strategy {
	case StrategyPool:
		d.runPool(ctx, targets, token, results)
	case StrategyFuture:
		d.runFuture(ctx, targets, token, results)
	default:
		d.runCursor(ctx, targets, token, results)
	}

	d.observer.BatchFinished(batch, Summarize(results), time.Since(batch.Start))
	return results
}

// runCursor starts min(Workers, N) goroutines that claim indices with a
// fetch-and-increment on a shared cursor until the cursor passes N.
func (d *Dispatcher) runCursor(ctx context.Context, targets []string, token string, results []fetch.Outcome) {
	var cursor atomic.Int64
	n := int64(len(targets))
	workers := min(d.config.Workers, len(targets))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			claimed := 0

			for {
				index := cursor.Add(1) - 1
				if index >= n {
					break
				}
				d.runTask(ctx, int(index), targets, token, results)
				claimed++
			}

			d.logger.Debug().
				Int("worker_id", workerID).
				Int("claimed", claimed).
				Msg("Worker completed")
		}(i)
	}

	wg.Wait()
}

// runFuture submits one task per target; Go blocks while Workers tasks are
// running, so the submission loop is the cursor.
func (d *Dispatcher) runFuture(ctx context.Context, targets []string, token string, results []fetch.Outcome) {
	var g errgroup.Group
	g.SetLimit(d.config.Workers)

	for i := range targets {
		i := i
		g.Go(func() error {
			d.runTask(ctx, i, targets, token, results)
			return nil
		})
	}

	// Tasks never return errors; failures live in the outcomes.
	_ = g.Wait()
}

// runPool submits every task to the pool and awaits all handles.
func (d *Dispatcher) runPool(ctx context.Context, targets []string, token string, results []fetch.Outcome) {
	handles := make([]*Handle, len(targets))
	for i := range targets {
		i := i
		handles[i] = d.pool.Submit(func() {
			d.runTask(ctx, i, targets, token, results)
		})
	}

	for i, h := range handles {
		if err := h.Wait(); errors.Is(err, ErrPoolClosed) {
			now := time.Now()
			results[i] = fetch.Outcome{
				Identifier: targets[i],
				Err:        fmt.Errorf("dispatch %s: %w", targets[i], err),
				Start:      now,
				Stop:       now,
			}
		}
	}
}

// runTask fetches targets[index] and writes results[index]. Each index is
// written by exactly one goroutine, so the slot array needs no lock.
func (d *Dispatcher) runTask(ctx context.Context, index int, targets []string, token string, results []fetch.Outcome) {
	identifier := targets[index]
	d.observer.TaskStarted(index, identifier)

	out := d.fetch(ctx, identifier, token)
	if !out.OK {
		out.Bytes = 0
	}
	out.Identifier = identifier
	results[index] = out

	d.observer.TaskFinished(index, out)
}

// fetch calls the fetcher and converts a panic into a failed outcome.
func (d *Dispatcher) fetch(ctx context.Context, identifier, token string) (out fetch.Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("identifier", identifier).
				Interface("panic", r).
				Msg("Fetch task panicked")
			out = fetch.Outcome{
				Identifier: identifier,
				Class:      ErrorClassPanic,
				Err:        fmt.Errorf("%w: %v", ErrTaskPanic, r),
				Start:      start,
				Stop:       time.Now(),
			}
		}
	}()

	return d.fetcher.Fetch(ctx, identifier, token)
}
