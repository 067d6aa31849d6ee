// Package metrics defines the Prometheus metrics exposed by the API
// server and the DC worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks lmn-authority Prometheus metrics.
//
// API metrics use the linbo_api_ prefix, worker metrics linbo_worker_.
// A nil *Metrics is safe to call; every recorder is a no-op then, so
// metrics can stay disabled with zero overhead.
type Metrics struct {
	// RequestsTotal counts HTTP requests by route, method and status code.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration tracks HTTP latency distribution by route.
	RequestDuration *prometheus.HistogramVec

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal prometheus.Counter

	// ReloadsTotal counts adapter reloads by source and result.
	ReloadsTotal *prometheus.CounterVec

	// HostsLoaded tracks the current host inventory size.
	HostsLoaded prometheus.Gauge

	// JobsTotal counts worker jobs by type and outcome.
	JobsTotal *prometheus.CounterVec

	// JobDuration tracks worker job processing time by type.
	JobDuration *prometheus.HistogramVec

	// ProvisionBatchSize tracks the size of drained provision batches.
	ProvisionBatchSize prometheus.Histogram
}

// New creates the metric set and registers it on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linbo_api_requests_total",
				Help: "Total HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linbo_api_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "linbo_api_rate_limited_total",
				Help: "Requests rejected with 429 by the per-token rate limiter",
			},
		),
		ReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linbo_api_reloads_total",
				Help: "Adapter reloads by source (devices, startconf) and result",
			},
			[]string{"source", "result"},
		),
		HostsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "linbo_api_hosts_loaded",
				Help: "Current number of hosts in the inventory snapshot",
			},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linbo_worker_jobs_total",
				Help: "Worker jobs by type and outcome",
			},
			[]string{"type", "outcome"}, // outcome: completed, failed, retried, deferred
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linbo_worker_job_duration_seconds",
				Help:    "Worker job processing time in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 120, 300, 600},
			},
			[]string{"type"},
		),
		ProvisionBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "linbo_worker_provision_batch_size",
				Help:    "Number of provision jobs per drained batch",
				Buckets: []float64{1, 2, 5, 10, 20, 50},
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RateLimitedTotal,
		m.ReloadsTotal,
		m.HostsLoaded,
		m.JobsTotal,
		m.JobDuration,
		m.ProvisionBatchSize,
	)

	return m
}

// RecordRequest records one completed HTTP request.
func (m *Metrics) RecordRequest(route, method, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, method, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(durationSeconds)
}

// RecordRateLimited records one 429 rejection.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

// RecordReload records an adapter reload attempt.
func (m *Metrics) RecordReload(source string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.ReloadsTotal.WithLabelValues(source, result).Inc()
}

// SetHostsLoaded updates the inventory size gauge.
func (m *Metrics) SetHostsLoaded(n int) {
	if m == nil {
		return
	}
	m.HostsLoaded.Set(float64(n))
}

// RecordJob records one worker job outcome.
func (m *Metrics) RecordJob(jobType, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(jobType, outcome).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(durationSeconds)
}

// RecordProvisionBatch records the size of one drained provision batch.
func (m *Metrics) RecordProvisionBatch(size int) {
	if m == nil {
		return
	}
	m.ProvisionBatchSize.Observe(float64(size))
}
