// Package jobmetrics instruments asynq task processing.
package jobmetrics

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for backoffice_jobs_total.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeDropped = "dropped"
)

// Metrics holds the job collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
}

// NewMetrics registers the job collectors on registerer, or on the default
// registerer when nil. Registering twice returns the existing collectors.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		runs: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_jobs_total",
			Help: "Processed tasks by type and outcome.",
		}, []string{"job", "outcome"})),
		failures: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_jobs_failures_total",
			Help: "Task runs that returned an error.",
		}, []string{"job"})),
		duration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backoffice_job_duration_seconds",
			Help:    "Task handler latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"job"})),
		inFlight: register(registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backoffice_jobs_in_flight",
			Help: "Tasks currently being processed.",
		}, []string{"job"})),
	}
}

// Middleware wraps every task handler of an asynq.ServeMux.
func (m *Metrics) Middleware() asynq.MiddlewareFunc {
	return func(next asynq.Handler) asynq.Handler {
		return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
			if m == nil {
				return next.ProcessTask(ctx, t)
			}
			job := t.Type()
			gauge := m.inFlight.WithLabelValues(job)
			gauge.Inc()
			defer gauge.Dec()

			start := time.Now()
			err := next.ProcessTask(ctx, t)
			m.Observe(job, time.Since(start), err)
			return err
		})
	}
}

// Observe records one finished run of job.
func (m *Metrics) Observe(job string, took time.Duration, err error) {
	if m == nil || job == "" {
		return
	}
	m.runs.WithLabelValues(job, outcome(err)).Inc()
	if err != nil {
		m.failures.WithLabelValues(job).Inc()
	}
	m.duration.WithLabelValues(job).Observe(took.Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, asynq.SkipRetry):
		return OutcomeDropped
	default:
		return OutcomeRetry
	}
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	err := registerer.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}
