// Package metrics exposes Prometheus collectors for the balancer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "balancer"

var (
	// RequestsTotal counts inbound messages requests by terminal outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound messages requests by outcome",
		},
		[]string{"outcome"},
	)

	// UpstreamAttempts counts upstream attempts by provider and result.
	UpstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream attempts by provider and result",
		},
		[]string{"provider", "result"},
	)

	// FailoversTotal counts failovers to a subsequent candidate.
	FailoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Failovers to a subsequent candidate provider",
		},
	)

	// DedupJoinsTotal counts requests that joined an in-flight duplicate.
	DedupJoinsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_joins_total",
			Help:      "Requests deduplicated onto an in-flight broadcaster",
		},
	)

	// InflightRequests tracks registered in-flight dedup entries.
	InflightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "In-flight deduplication entries",
		},
	)

	// BroadcastSubscribers tracks currently attached stream subscribers.
	BroadcastSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_subscribers",
			Help:      "Currently attached broadcast subscribers",
		},
	)

	// ProviderUnhealthy is set to 1 when a failed attempt leaves a provider
	// unhealthy and back to 0 on its next successful attempt.
	ProviderUnhealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_unhealthy",
			Help:      "1 after a failed attempt left the provider unhealthy, 0 after its next success",
		},
		[]string{"provider"},
	)

	// StuckCleanupsTotal counts entries removed by the stuck sweep.
	StuckCleanupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_cleanups_total",
			Help:      "In-flight entries removed by the stuck-request sweep",
		},
	)
)
