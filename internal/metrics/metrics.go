// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genai_quota_admissions_total",
			Help: "Quota admission decisions",
		},
		[]string{"outcome"}, // admitted, denied, anonymous, error
	)

	Consumptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genai_quota_consumptions_total",
			Help: "Recorded quota consumptions",
		},
		[]string{"capability"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genai_request_count_total",
			Help: "Generation requests by terminal state",
		},
		[]string{"capability", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genai_request_duration_seconds",
			Help:    "Total time taken for generation requests in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"capability"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genai_provider_errors_total",
			Help: "Provider failures by capability",
		},
		[]string{"capability"},
	)

	StreamedChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genai_streamed_chunks_total",
			Help: "Text chunks relayed to clients",
		},
		[]string{"capability"},
	)

	ClientDisconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genai_client_disconnects_total",
			Help: "Streams abandoned by the client before completion",
		},
		[]string{"capability"},
	)
)
