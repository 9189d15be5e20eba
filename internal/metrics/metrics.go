// Registers:
//
//	#oceanflow_snapshots_total
//	#oceanflow_snapshot_errors_total
//	#oceanflow_stream_messages_total
//	#oceanflow_stream_reconnects_total
//	#oceanflow_rate_limit_breaches_total
//	#oceanflow_tracker_applied_total
//	#go_* and process_* system metrics
//
// Handler exposes them for the dashboard's /metrics route.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	Snapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oceanflow_snapshots_total",
			Help: "Order book snapshots fetched or streamed",
		},
		[]string{"symbol", "source"},
	)

	SnapshotErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oceanflow_snapshot_errors_total",
			Help: "Failed REST snapshot fetches",
		},
		[]string{"symbol"},
	)

	StreamMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oceanflow_stream_messages_total",
			Help: "Websocket frames received by event tag",
		},
		[]string{"event"},
	)

	StreamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oceanflow_stream_reconnects_total",
			Help: "Websocket sessions ended, by reason",
		},
		[]string{"reason"},
	)

	RateLimitBreaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oceanflow_rate_limit_breaches_total",
			Help: "REST responses carrying the exchange rate limit sentinel",
		},
		[]string{"endpoint"},
	)

	TrackerApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oceanflow_tracker_applied_total",
			Help: "Events applied by the order book tracker",
		},
		[]string{"type"},
	)
)

// Init registers the collectors once. Counters work before Init; they are just
// not exported.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			Snapshots,
			SnapshotErrors,
			StreamMessages,
			StreamReconnects,
			RateLimitBreaches,
			TrackerApplied,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registered collectors in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func IncrementSnapshot(symbol, source string) {
	Snapshots.WithLabelValues(symbol, source).Inc()
}

func IncrementSnapshotError(symbol string) {
	SnapshotErrors.WithLabelValues(symbol).Inc()
}

func IncrementStreamMessage(event string) {
	StreamMessages.WithLabelValues(event).Inc()
}

func IncrementReconnect(reason string) {
	StreamReconnects.WithLabelValues(reason).Inc()
}

func IncrementRateLimitBreach(endpoint string) {
	RateLimitBreaches.WithLabelValues(endpoint).Inc()
}

func IncrementTrackerApplied(eventType string) {
	TrackerApplied.WithLabelValues(eventType).Inc()
}
