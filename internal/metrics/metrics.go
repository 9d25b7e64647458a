// Package metrics exposes Prometheus instrumentation for the delivery
// subsystem: per-channel delivery outcomes, retry and throttle behavior,
// and factory health-check activity.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigeon_deliveries_total",
			Help: "Delivery attempts by channel, provider, and outcome",
		},
		[]string{"channel", "provider", "outcome"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pigeon_delivery_duration_seconds",
			Help:    "Wall-clock time per delivery attempt including retries",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigeon_delivery_retries_total",
			Help: "Internal retries performed by channel",
		},
		[]string{"channel"},
	)

	throttlePauses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigeon_sms_throttle_pauses_total",
			Help: "SMS bulk-send pauses by reason (pace or minute_cap)",
		},
		[]string{"reason"},
	)

	batchCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pigeon_webhook_batches_coalesced_total",
			Help: "Webhook bulk groups sent as a single coalesced request",
		},
	)

	channelReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pigeon_channel_ready",
			Help: "1 when the channel adapter reports ready, else 0",
		},
		[]string{"channel"},
	)

	recoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigeon_channel_recoveries_total",
			Help: "Adapter re-initializations by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigeon_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pigeon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDelivery records one delivery attempt outcome.
func RecordDelivery(channel, provider string, success bool, duration time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	deliveriesTotal.WithLabelValues(channel, provider, outcome).Inc()
	deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordRetry records one internal retry for a channel.
func RecordRetry(channel string) {
	retriesTotal.WithLabelValues(channel).Inc()
}

// RecordThrottlePause records an SMS bulk pause ("pace" or "minute_cap").
func RecordThrottlePause(reason string) {
	throttlePauses.WithLabelValues(reason).Inc()
}

// RecordCoalescedBatch records one webhook group sent as a single request.
func RecordCoalescedBatch() {
	batchCoalesced.Inc()
}

// SetChannelReady publishes the readiness gauge for a channel.
func SetChannelReady(channel string, ready bool) {
	v := 0.0
	if ready {
		v = 1.0
	}
	channelReady.WithLabelValues(channel).Set(v)
}

// RecordRecovery records a factory-driven re-initialization attempt.
func RecordRecovery(channel string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	recoveriesTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
