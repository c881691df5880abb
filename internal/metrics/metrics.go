// Package metrics exposes Prometheus gauges and counters for the stream
// backbone, grounded on the promauto idiom other LLM-streaming services in
// this codebase's pack use for SSE connection accounting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessionproxy_active_sessions",
		Help: "Number of sessions currently held in memory by this instance.",
	})

	ActiveGenerations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessionproxy_active_generations",
		Help: "Number of in-flight agent generations across all sessions.",
	})

	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessionproxy_active_subscribers",
		Help: "Number of open stream-read connections (long-poll or SSE).",
	})

	ChunksAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionproxy_chunks_appended_total",
		Help: "Total chunks appended to session logs, by chunk type.",
	}, []string{"chunk_type"})

	AppendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionproxy_append_errors_total",
		Help: "Total store append failures, by error kind.",
	}, []string{"kind"})

	AgentInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionproxy_agent_invocations_total",
		Help: "Total agent invocations, by outcome.",
	}, []string{"outcome"})

	StreamReadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sessionproxy_stream_read_duration_seconds",
		Help:    "Duration of one stream-read request, by mode.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"mode"})
)
