package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plansync",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "plansync",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// TransitionsTotal counts reconciliation transitions by trigger and outcome.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plansync",
		Subsystem: "reconcile",
		Name:      "transitions_total",
		Help:      "Entitlement transitions by trigger and outcome.",
	}, []string{"trigger", "outcome"})

	// DivergenceTotal counts remote changes whose local mutation failed.
	DivergenceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plansync",
		Subsystem: "reconcile",
		Name:      "divergence_total",
		Help:      "Billing changes applied remotely but not persisted locally.",
	}, []string{"operation"})

	// BillingCallsTotal counts billing processor calls by operation and outcome.
	BillingCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plansync",
		Subsystem: "billing",
		Name:      "calls_total",
		Help:      "Billing processor API calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	// BillingCallDuration tracks billing processor latency.
	BillingCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "plansync",
		Subsystem: "billing",
		Name:      "call_duration_seconds",
		Help:      "Billing processor API call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "plansync",
		Subsystem: "billing",
		Name:      "breaker_state",
		Help:      "Billing circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})

	// ActionRequestsTotal counts Action API requests by action and status.
	ActionRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plansync",
		Subsystem: "api",
		Name:      "action_requests_total",
		Help:      "Action API requests by action and HTTP status.",
	}, []string{"action", "status"})

	// EventsPublishedTotal counts entitlement change events by driver and outcome.
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plansync",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Entitlement change events published by driver and outcome.",
	}, []string{"driver", "outcome"})

	// RateLimitedTotal counts rejected requests by limiter scope.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plansync",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by rate limiting.",
	}, []string{"scope"})
)
