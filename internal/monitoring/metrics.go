package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "salesd_connections_total",
		Help: "Total number of client connections accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "salesd_connections_active",
		Help: "Current number of open client connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "salesd_connections_rejected_total",
		Help: "Connections rejected before the session started, by reason",
	}, []string{"reason"})

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "salesd_requests_total",
		Help: "Requests handled, by operation code and response status",
	}, []string{"op", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "salesd_request_duration_seconds",
		Help:    "Request handling latency by operation code",
		Buckets: []float64{.0001, .001, .01, .1, 1, 10, 60, 600},
	}, []string{"op"})

	workerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "salesd_worker_queue_depth",
		Help: "Tasks queued for the worker pool",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsRejected,
		requestsTotal,
		requestDuration,
		workerQueueDepth,
	)
}

// ConnectionOpened records an accepted connection.
func ConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// ConnectionClosed records a finished connection.
func ConnectionClosed() {
	connectionsActive.Dec()
}

// ConnectionRejected records a connection refused before its session began.
func ConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// RequestHandled records one completed request.
func RequestHandled(op, status int32, elapsed time.Duration) {
	opLabel := strconv.Itoa(int(op))
	requestsTotal.WithLabelValues(opLabel, strconv.Itoa(int(status))).Inc()
	requestDuration.WithLabelValues(opLabel).Observe(elapsed.Seconds())
}

// SetWorkerQueueDepth publishes the current pool queue depth.
func SetWorkerQueueDepth(depth int) {
	workerQueueDepth.Set(float64(depth))
}

// ServeMetrics exposes /metrics on addr. Returns immediately; the listener
// runs until the process exits. No-op when addr is empty.
func ServeMetrics(addr string, logger zerolog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics listener started")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Msg("Metrics listener failed")
		}
	}()
}
