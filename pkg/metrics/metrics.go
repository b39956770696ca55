// Package metrics exposes the Prometheus registry used by blobfetch.
// All metrics are defined in their respective packages (fetch, token,
// dispatch, server, report) to maintain modularity and avoid circular
// dependencies.
//
// This package provides the /metrics handler and documents every metric.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by blobfetch.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the Prometheus exposition handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Fetch Metrics (pkg/fetch):
//   - blobfetch_fetch_requests_total{status} (Counter): Object fetches by HTTP status (network_error without response)
//   - blobfetch_fetch_duration_seconds (Histogram): Single fetch duration including body download
//   - blobfetch_fetch_errors_total{class} (Counter): Failed fetches by class (network, client, server, status, request)
//   - blobfetch_fetch_bytes_total (Counter): Body bytes received from successful fetches
//
// Token Metrics (pkg/token):
//   - blobfetch_token_requests_total{result} (Counter): Metadata token requests by result
//   - blobfetch_token_request_duration_seconds (Histogram): Metadata token request duration
//
// Dispatch Metrics (pkg/dispatch):
//   - blobfetch_dispatch_inflight (Gauge): Fetch tasks currently running
//   - blobfetch_dispatch_tasks_total{result} (Counter): Dispatched tasks by result (ok, failed)
//   - blobfetch_dispatch_batch_duration_seconds{strategy} (Histogram): Batch wall-clock duration
//
// Server Metrics (pkg/server):
//   - blobfetch_batches_total{result} (Counter): Batch requests by result (ok, token_error)
//   - blobfetch_http_requests_total{route, code} (Counter): HTTP requests by route and status
//
// Report Metrics (pkg/report):
//   - blobfetch_report_operations_total{operation, result} (Counter): Report store operations
//
// Example Prometheus Queries:
//
//   # Fetch Failure Ratio
//   sum(rate(blobfetch_dispatch_tasks_total{result="failed"}[5m])) /
//   sum(rate(blobfetch_dispatch_tasks_total[5m]))
//
//   # Token Failures
//   rate(blobfetch_batches_total{result="token_error"}[5m])
//
//   # P95 Fetch Latency
//   histogram_quantile(0.95, rate(blobfetch_fetch_duration_seconds_bucket[5m]))
//
//   # Worker Saturation
//   blobfetch_dispatch_inflight
