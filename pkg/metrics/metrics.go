// Package metrics exposes Prometheus collectors for the location and
// attendance engines. Every method is safe on a nil *Collectors so that
// components can run without metrics wired in.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldclock"

// Collectors groups the engine's metrics on a dedicated registry
type Collectors struct {
	registry *prometheus.Registry

	acquisitionAttempts *prometheus.CounterVec
	providerRequests    *prometheus.CounterVec
	submissionAttempts  *prometheus.CounterVec
	submissions         *prometheus.CounterVec
	submissionDuration  *prometheus.HistogramVec
	bestAccuracy        prometheus.Gauge
	optimizerRuns       *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		acquisitionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisition_attempts_total",
			Help:      "Position acquisition attempts per strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ip_provider_requests_total",
			Help:      "IP geolocation provider requests per provider and outcome.",
		}, []string{"provider", "outcome"}),
		submissionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_attempts_total",
			Help:      "Attendance API calls per endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Completed attendance submissions per endpoint and result.",
		}, []string{"endpoint", "result"}),
		submissionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_duration_seconds",
			Help:      "Wall time of a whole submission including retries and backoff.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"endpoint"}),
		bestAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_accuracy_meters",
			Help:      "Accuracy radius of the optimizer's current best position.",
		}),
		optimizerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimizer_runs_total",
			Help:      "Optimization cycles per trigger and resulting phase.",
		}, []string{"trigger", "phase"}),
	}

	c.registry.MustRegister(
		c.acquisitionAttempts,
		c.providerRequests,
		c.submissionAttempts,
		c.submissions,
		c.submissionDuration,
		c.bestAccuracy,
		c.optimizerRuns,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry returns the underlying registry, mainly for tests
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) AcquisitionAttempt(strategy, outcome string) {
	if c == nil {
		return
	}
	c.acquisitionAttempts.WithLabelValues(strategy, outcome).Inc()
}

func (c *Collectors) ProviderRequest(provider, outcome string) {
	if c == nil {
		return
	}
	c.providerRequests.WithLabelValues(provider, outcome).Inc()
}

func (c *Collectors) SubmissionAttempt(endpoint, outcome string) {
	if c == nil {
		return
	}
	c.submissionAttempts.WithLabelValues(endpoint, outcome).Inc()
}

func (c *Collectors) Submission(endpoint, result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(endpoint, result).Inc()
	c.submissionDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (c *Collectors) BestAccuracy(meters float64) {
	if c == nil {
		return
	}
	c.bestAccuracy.Set(meters)
}

func (c *Collectors) OptimizerRun(trigger, phase string) {
	if c == nil {
		return
	}
	c.optimizerRuns.WithLabelValues(trigger, phase).Inc()
}
