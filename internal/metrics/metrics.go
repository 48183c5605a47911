// Package metrics provides Prometheus metrics for token exchanges and the mock token server.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exchange outcomes used as the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeRemote  = "remote"
	OutcomeLocal   = "local"
)

var (
	// Using atomic.Pointer for lock-free initialization checks on hot path metrics.
	exchangesTotal   atomic.Pointer[prometheus.CounterVec]
	exchangeDuration atomic.Pointer[prometheus.HistogramVec]
	requestsTotal    atomic.Pointer[prometheus.CounterVec]
	requestDuration  atomic.Pointer[prometheus.HistogramVec]
)

// Init registers both the client and the mock server metrics with reg.
func Init(reg prometheus.Registerer) error {
	if err := InitClient(reg); err != nil {
		return err
	}
	return InitServer(reg)
}

// InitClient registers the token exchange metrics recorded by tokenserver.Client.
func InitClient(reg prometheus.Registerer) error {
	exchangesTotalVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenserver",
			Subsystem: "client",
			Name:      "exchanges_total",
			Help:      "Total number of assertion exchanges by outcome",
		},
		[]string{"outcome", "code"},
	)
	if err := reg.Register(exchangesTotalVec); err != nil {
		return fmt.Errorf("failed to register exchangesTotal: %w", err)
	}

	exchangeDurationVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tokenserver",
			Subsystem: "client",
			Name:      "exchange_duration_seconds",
			Help:      "Assertion exchange latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	if err := reg.Register(exchangeDurationVec); err != nil {
		return fmt.Errorf("failed to register exchangeDuration: %w", err)
	}

	exchangesTotal.Store(exchangesTotalVec)
	exchangeDuration.Store(exchangeDurationVec)

	return nil
}

// InitServer registers the mock token server request metrics.
func InitServer(reg prometheus.Registerer) error {
	requestsTotalVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenserver",
			Subsystem: "mock",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the mock token server",
		},
		[]string{"method", "path", "status"},
	)
	if err := reg.Register(requestsTotalVec); err != nil {
		return fmt.Errorf("failed to register requestsTotal: %w", err)
	}

	requestDurationVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tokenserver",
			Subsystem: "mock",
			Name:      "request_duration_seconds",
			Help:      "Mock token server request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	if err := reg.Register(requestDurationVec); err != nil {
		return fmt.Errorf("failed to register requestDuration: %w", err)
	}

	requestsTotal.Store(requestsTotalVec)
	requestDuration.Store(requestDurationVec)

	return nil
}

// RecordExchange counts one finished exchange. code is the HTTP status, or
// empty when no response was received.
func RecordExchange(outcome, code string) {
	if counter := exchangesTotal.Load(); counter != nil {
		counter.WithLabelValues(outcome, code).Inc()
	}
}

// RecordExchangeDuration records the latency of one finished exchange.
func RecordExchangeDuration(outcome string, durationSeconds float64) {
	if histogram := exchangeDuration.Load(); histogram != nil {
		histogram.WithLabelValues(outcome).Observe(durationSeconds)
	}
}

// RecordRequest increments the mock server request counter.
// The path should be normalized (e.g., "/1.5/:id" instead of "/1.5/123").
func RecordRequest(method, path, statusCode string) {
	if counter := requestsTotal.Load(); counter != nil {
		counter.WithLabelValues(method, path, statusCode).Inc()
	}
}

// RecordRequestDuration records the latency for a mock server request.
func RecordRequestDuration(method, path, statusCode string, durationSeconds float64) {
	if histogram := requestDuration.Load(); histogram != nil {
		histogram.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
	}
}

// Handler returns an HTTP handler serving metrics from the given gatherer.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// GetMetricsText returns the Prometheus text-format output from a registry.
// This is useful for testing and debugging.
func GetMetricsText(reg prometheus.Gatherer) (string, error) {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	Handler(reg).ServeHTTP(w, req)

	body, err := io.ReadAll(w.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read metrics output: %w", err)
	}

	return string(body), nil
}
