package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/blobfetch/pkg/fetch"
)

// Prometheus metrics for dispatched batches.
var (
	dispatchInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blobfetch_dispatch_inflight",
		Help: "Fetch tasks currently running across all batches",
	})

	dispatchTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobfetch_dispatch_tasks_total",
		Help: "Total dispatched fetch tasks by result (ok, failed)",
	}, []string{"result"})

	dispatchBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blobfetch_dispatch_batch_duration_seconds",
		Help:    "Wall-clock duration of complete dispatch batches",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"strategy"})
)

// Batch describes one Dispatch call.
type Batch struct {
	Targets  int
	Workers  int
	Strategy Strategy
	Start    time.Time
}

// Observer receives dispatch lifecycle events. TaskStarted and TaskFinished
// are called concurrently from worker goroutines.
type Observer interface {
	BatchStarted(b Batch)
	TaskStarted(index int, identifier string)
	TaskFinished(index int, out fetch.Outcome)
	BatchFinished(b Batch, s Summary, elapsed time.Duration)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) BatchStarted(Batch)                          {}
func (NopObserver) TaskStarted(int, string)                     {}
func (NopObserver) TaskFinished(int, fetch.Outcome)             {}
func (NopObserver) BatchFinished(Batch, Summary, time.Duration) {}

// Observers fans events out to several observers in order.
func Observers(obs ...Observer) Observer {
	return multiObserver(obs)
}

type multiObserver []Observer

func (m multiObserver) BatchStarted(b Batch) {
	for _, o := range m {
		o.BatchStarted(b)
	}
}

func (m multiObserver) TaskStarted(index int, identifier string) {
	for _, o := range m {
		o.TaskStarted(index, identifier)
	}
}

func (m multiObserver) TaskFinished(index int, out fetch.Outcome) {
	for _, o := range m {
		o.TaskFinished(index, out)
	}
}

func (m multiObserver) BatchFinished(b Batch, s Summary, elapsed time.Duration) {
	for _, o := range m {
		o.BatchFinished(b, s, elapsed)
	}
}

// metricsObserver is the default observer: Prometheus metrics plus batch
// boundary logs.
type metricsObserver struct {
	logger zerolog.Logger
}

// NewMetricsObserver returns the default observer, for composing with
// Observers.
func NewMetricsObserver(logger zerolog.Logger) Observer {
	return newMetricsObserver(logger)
}

func newMetricsObserver(logger zerolog.Logger) *metricsObserver {
	return &metricsObserver{logger: logger}
}

func (o *metricsObserver) BatchStarted(b Batch) {
	o.logger.Info().
		Int("targets", b.Targets).
		Int("workers", b.Workers).
		Str("strategy", string(b.Strategy)).
		Msg("starting workers")
}

func (o *metricsObserver) TaskStarted(int, string) {
	dispatchInflight.Inc()
}

func (o *metricsObserver) TaskFinished(_ int, out fetch.Outcome) {
	dispatchInflight.Dec()
	if out.OK {
		dispatchTasksTotal.WithLabelValues("ok").Inc()
	} else {
		dispatchTasksTotal.WithLabelValues("failed").Inc()
	}
}

func (o *metricsObserver) BatchFinished(b Batch, s Summary, elapsed time.Duration) {
	dispatchBatchDuration.WithLabelValues(string(b.Strategy)).Observe(elapsed.Seconds())

	o.logger.Info().
		Int("targets", s.Targets).
		Int("succeeded", s.Succeeded).
		Int("failed", s.Failed).
		Uint64("total_bytes", s.TotalBytes).
		Int64("duration_ms", elapsed.Milliseconds()).
		Msg("workers finished")
}
