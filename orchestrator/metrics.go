// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_http_requests_total",
			Help: "Total HTTP requests by route and status code.",
		},
		[]string{"route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "synapse_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_pipeline_runs_total",
			Help: "Pipeline runs by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	pipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "synapse_pipeline_stage_duration_seconds",
			Help:    "Pipeline stage latency by agent role.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 120},
		},
		[]string{"role"},
	)

	providerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_provider_calls_total",
			Help: "Provider completions by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		pipelineRunsTotal,
		pipelineStageDuration,
		providerCallsTotal,
	)
}

// MetricsCollector keeps an in-process snapshot of orchestration activity
// for the JSON stats endpoint, alongside the Prometheus registry.
type MetricsCollector struct {
	mu             sync.Mutex
	startedAt      time.Time
	requests       int64
	pipelineRuns   int64
	pipelineErrors int64
	totalRunTimeMs float64
	providerCalls  map[string]int64
	providerErrors map[string]int64
}

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt:      time.Now(),
		providerCalls:  make(map[string]int64),
		providerErrors: make(map[string]int64),
	}
}

// RecordRequest counts an HTTP request.
func (m *MetricsCollector) RecordRequest(route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(route, status).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())

	m.mu.Lock()
	m.requests++
	m.mu.Unlock()
}

// RecordPipelineRun counts a pipeline run and its outcome.
func (m *MetricsCollector) RecordPipelineRun(mode string, err error, totalTimeMs float64) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	pipelineRunsTotal.WithLabelValues(mode, outcome).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelineRuns++
	if err != nil {
		m.pipelineErrors++
		return
	}
	m.totalRunTimeMs += totalTimeMs
}

// RecordStage observes one stage's latency.
func (m *MetricsCollector) RecordStage(role AgentRole, latencyMs float64) {
	pipelineStageDuration.WithLabelValues(string(role)).Observe(latencyMs / 1000)
}

// RecordProviderCall counts a provider completion.
func (m *MetricsCollector) RecordProviderCall(provider string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	providerCallsTotal.WithLabelValues(provider, outcome).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.providerCalls[provider]++
	if err != nil {
		m.providerErrors[provider]++
	}
}

// Snapshot returns a deep-copied JSON-friendly view of the counters.
func (m *MetricsCollector) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := make(map[string]int64, len(m.providerCalls))
	for k, v := range m.providerCalls {
		calls[k] = v
	}
	errors := make(map[string]int64, len(m.providerErrors))
	for k, v := range m.providerErrors {
		errors[k] = v
	}

	avgRunTime := 0.0
	if succeeded := m.pipelineRuns - m.pipelineErrors; succeeded > 0 {
		avgRunTime = m.totalRunTimeMs / float64(succeeded)
	}

	return map[string]any{
		"uptime_seconds":      time.Since(m.startedAt).Seconds(),
		"http_requests":       m.requests,
		"pipeline_runs":       m.pipelineRuns,
		"pipeline_errors":     m.pipelineErrors,
		"avg_run_time_ms":     avgRunTime,
		"provider_calls":      calls,
		"provider_errors":     errors,
	}
}
