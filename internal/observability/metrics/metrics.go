// Package metrics exposes settlement, job and HTTP metrics in the Prometheus
// exposition format. Each Registry owns its collectors; nothing is registered
// on the global default registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iao_settlement"

// Registry holds every collector the service exports.
type Registry struct {
	reg *prometheus.Registry

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	steps           *prometheus.CounterVec
	jobs            *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpErrors      *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

// New creates a Registry with process and Go runtime collectors attached.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Registry{
		reg: reg,
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "distribution",
			Name:      "attempts_total",
			Help:      "Distribution attempts by terminal status.",
		}, []string{"status"}),
		attemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "distribution",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of a distribution attempt from creation to terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "distribution",
			Name:      "steps_total",
			Help:      "Executed distribution steps by type and result.",
		}, []string{"step", "status"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Background jobs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "pending",
			Help:      "Jobs waiting to be picked up by a worker.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
}

// ObserveAttempt records a terminal attempt.
func (r *Registry) ObserveAttempt(status string, duration time.Duration) {
	r.attempts.WithLabelValues(status).Inc()
	r.attemptDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveStep records one executed step.
func (r *Registry) ObserveStep(step, status string) {
	r.steps.WithLabelValues(step, status).Inc()
}

// ObserveJob records a job outcome (succeeded, failed, retried).
func (r *Registry) ObserveJob(kind, outcome string) {
	r.jobs.WithLabelValues(kind, outcome).Inc()
}

// SetQueueDepth reports how many jobs are waiting.
func (r *Registry) SetQueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.httpErrors.WithLabelValues(handler, method).Inc()
	}
	r.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler exposes the metrics in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
