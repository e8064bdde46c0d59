// Package metrics declares the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts requests per route, method and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPRequestDuration tracks request latency per route and method.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"route", "method"},
	)

	// AuthLogins counts login attempts by result (success, fail, locked).
	AuthLogins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// BudgetRequests counts budget requests by decision status.
	BudgetRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_requests_total",
			Help: "Total budget requests",
		},
		[]string{"status"},
	)

	// BudgetCommits counts committed reservations.
	BudgetCommits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "budget_commits_total",
			Help: "Total budget commits",
		},
	)

	// BudgetReleases counts released reservations, synthetic ones included.
	BudgetReleases = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "budget_releases_total",
			Help: "Total budget releases",
		},
	)

	// DLQResolved counts dead-letter records resolved by operators.
	DLQResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_resolved_total",
			Help: "Total DLQ messages resolved",
		},
	)

	// BreakerResets counts administrative circuit breaker resets.
	BreakerResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "breaker_resets_total",
			Help: "Total circuit breaker resets",
		},
	)
)
