// Package telemetry provides observability primitives for the XML fetcher.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Call outcome label values.
const (
	OutcomeOK          = "ok"
	OutcomeRemoteError = "remote_error"
	OutcomeFault       = "fault"
	OutcomeClosed      = "closed"
	OutcomeCanceled    = "canceled"
)

// Metrics holds all Prometheus collectors for the fetcher.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	CallsTotal     *prometheus.CounterVec
	CallDuration   *prometheus.HistogramVec
	PendingCalls   prometheus.Gauge
	StrayResponses prometheus.Counter
	ChannelFaults  prometheus.Counter

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	FetchErrors *prometheus.CounterVec

	SnapshotQueueLength prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmlfetch",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "xmlfetch",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xmlfetch",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmlfetch",
			Subsystem: "connector",
			Name:      "calls_total",
			Help:      "Total worker calls by operation and outcome.",
		}, []string{"op", "outcome"}),

		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "xmlfetch",
			Subsystem:                       "connector",
			Name:                            "call_duration_seconds",
			Help:                            "Time from posting a request to its resolution.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"op"}),

		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xmlfetch",
			Subsystem: "connector",
			Name:      "pending_calls",
			Help:      "Calls waiting for a worker response.",
		}),

		StrayResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xmlfetch",
			Subsystem: "connector",
			Name:      "stray_responses_total",
			Help:      "Responses discarded because no call was waiting for them.",
		}),

		ChannelFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xmlfetch",
			Subsystem: "connector",
			Name:      "channel_faults_total",
			Help:      "Worker channels that failed unexpectedly.",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xmlfetch",
			Name:      "cache_hits_total",
			Help:      "Total document cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xmlfetch",
			Name:      "cache_misses_total",
			Help:      "Total document cache misses.",
		}),

		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmlfetch",
			Name:      "fetch_errors_total",
			Help:      "Total failed feed fetches.",
		}, []string{"feed", "kind"}),

		SnapshotQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xmlfetch",
			Name:      "snapshot_queue_length",
			Help:      "Current number of queued snapshot records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.CallsTotal,
		m.CallDuration,
		m.PendingCalls,
		m.StrayResponses,
		m.ChannelFaults,
		m.CacheHits,
		m.CacheMisses,
		m.FetchErrors,
		m.SnapshotQueueLength,
	)

	return m
}
