// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

// Package metrics registers the Prometheus instruments the turn pipeline
// reports into. All metrics are served at /metrics by the HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus instruments.
type Metrics struct {
	// TurnDuration measures end-to-end turn latency in seconds.
	// Labels: tier
	TurnDuration *prometheus.HistogramVec

	// TurnCounter counts turns by outcome.
	// Labels: outcome (ok|budget_exceeded|model_failure|cancelled)
	TurnCounter *prometheus.CounterVec

	// ToolExecutions counts tool calls by tool and outcome.
	// Labels: tool, outcome (success|failure|rejected|timeout)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution latency in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Confirmations counts confirmation lifecycle transitions.
	// Labels: state (created|approved|rejected|expired|capacity_denied)
	Confirmations *prometheus.CounterVec

	// DegradedRetrievals counts enrichment sources that failed.
	// Labels: source (graph|chunks|memories)
	DegradedRetrievals *prometheus.CounterVec

	// ModelTokens tracks token consumption.
	// Labels: model, type (input|output)
	ModelTokens *prometheus.CounterVec
}

// New creates and registers the pipeline metrics on reg. Pass
// prometheus.DefaultRegisterer in production; tests use a private registry
// to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backdesk_turn_duration_seconds",
				Help:    "End-to-end turn latency.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"tier"},
		),
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backdesk_turns_total",
				Help: "Turns by outcome.",
			},
			[]string{"outcome"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backdesk_tool_executions_total",
				Help: "Tool executions by tool and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backdesk_tool_duration_seconds",
				Help:    "Tool execution latency.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),
		Confirmations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backdesk_confirmations_total",
				Help: "Confirmation lifecycle transitions.",
			},
			[]string{"state"},
		),
		DegradedRetrievals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backdesk_degraded_retrievals_total",
				Help: "Enrichment sources that failed or timed out.",
			},
			[]string{"source"},
		),
		ModelTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backdesk_model_tokens_total",
				Help: "Model token consumption.",
			},
			[]string{"model", "type"},
		),
	}
}
