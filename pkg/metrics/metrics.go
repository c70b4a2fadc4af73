// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics registers the prometheus collectors the process exposes on
// /metrics. A dedicated registry keeps default Go collectors plus ours and
// nothing else.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the process updates.
type Metrics struct {
	registry *prometheus.Registry

	Invocations     *prometheus.CounterVec
	InvocationTime  *prometheus.HistogramVec
	BreakerState    prometheus.Gauge
	LiveSessions    prometheus.Gauge
	RateLimitDrops  *prometheus.CounterVec
	ExternalReinits prometheus.Counter
	TokenFailures   prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpbox_invocations_total",
			Help: "Tool invocations by outcome.",
		}, []string{"server", "tool", "outcome"}),
		InvocationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpbox_invocation_duration_seconds",
			Help:    "Tool invocation wall time.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"server", "tool"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpbox_sandbox_breaker_state",
			Help: "Sandbox circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpbox_gateway_sessions",
			Help: "Live MCP gateway sessions.",
		}),
		RateLimitDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpbox_ratelimit_drops_total",
			Help: "Requests refused by rate limiting, by bucket.",
		}, []string{"bucket"}),
		ExternalReinits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpbox_external_session_reinits_total",
			Help: "External MCP sessions rebuilt after idle or auth failure.",
		}),
		TokenFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpbox_service_token_failures_total",
			Help: "Sandbox service requests with a bad service token.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Invocations,
		m.InvocationTime,
		m.BreakerState,
		m.LiveSessions,
		m.RateLimitDrops,
		m.ExternalReinits,
		m.TokenFailures,
	)
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
