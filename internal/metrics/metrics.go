// Package metrics defines the prometheus collectors exported on /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "entitlements"

var (
	// HTTP
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests in flight",
		},
	)

	// Subscription lifecycle
	SubscriptionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_created_total",
			Help:      "Subscriptions created, by tier",
		},
		[]string{"tier"},
	)
	SubscriptionsExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_expired_total",
			Help:      "Subscriptions moved to expired, by trigger (lazy, sweep, admin)",
		},
		[]string{"trigger"},
	)
	RemindersSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewal_reminders_total",
			Help:      "Renewal reminders processed, by kind and result",
		},
		[]string{"kind", "result"},
	)

	// Usage metering
	UsageIncrements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_increments_total",
			Help:      "Metered calls counted against a daily quota",
		},
		[]string{"category"},
	)
	UsageRollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_rollbacks_total",
			Help:      "Metered calls refunded after an upstream quota error",
		},
		[]string{"category"},
	)
	QuotaRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Calls refused because the daily quota was spent",
		},
		[]string{"category", "tier"},
	)

	// Payments
	PaymentVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_verifications_total",
			Help:      "Payment confirmations, by result",
		},
		[]string{"result"},
	)
	OracleRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_request_duration_seconds",
			Help:      "Latency of outbound oracle and notification calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target", "status"},
	)
)

var registerOnce sync.Once

// InitMetrics registers every collector with the default registry. Safe to call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		MustRegister(prometheus.DefaultRegisterer)
	})
}

// MustRegister registers every collector with reg
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRequestsInFlight,
		SubscriptionsCreated,
		SubscriptionsExpired,
		RemindersSent,
		UsageIncrements,
		UsageRollbacks,
		QuotaRejections,
		PaymentVerifications,
		OracleRequestDuration,
	)
}
