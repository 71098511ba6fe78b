package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "goldrock_sync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Local API requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Actions waiting for delivery.",
		},
	)

	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the coordinator considers the backend reachable.",
		},
	)

	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by action kind and outcome.",
		},
		[]string{"kind", "result"},
	)

	drainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Time spent in one drain pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	persistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Failed writes of the queue to the durable store.",
		},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Resource reads by source (network, cache, miss).",
		},
		[]string{"source"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			queueDepth,
			online,
			deliveries,
			drainDuration,
			persistErrors,
			cacheLookups,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func SetOnline(v bool) {
	if v {
		online.Set(1)
		return
	}
	online.Set(0)
}

// ObserveDelivery records one delivery outcome (delivered, retried, dropped).
func ObserveDelivery(kind, result string) {
	deliveries.WithLabelValues(kind, result).Inc()
}

func ObserveDrain(d time.Duration) {
	drainDuration.Observe(d.Seconds())
}

func IncPersistError() {
	persistErrors.Inc()
}

func IncCacheLookup(source string) {
	cacheLookups.WithLabelValues(source).Inc()
}
