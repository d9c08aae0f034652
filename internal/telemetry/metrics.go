package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the renewal engine.
type Metrics struct {
	// Renewal outcomes
	RenewalsAttempted *prometheus.CounterVec
	RenewalsSucceeded *prometheus.CounterVec
	RenewalsFailed    *prometheus.CounterVec
	RenewalsSkipped   *prometheus.CounterVec
	RenewalDuration   *prometheus.HistogramVec

	// Revenue
	RevenueCollected *prometheus.CounterVec
	RenewalValue     *prometheus.HistogramVec

	// Lifecycle
	SubscriptionsCreated   *prometheus.CounterVec
	SubscriptionsPaused    prometheus.Counter
	SubscriptionsResumed   prometheus.Counter
	SubscriptionsCancelled prometheus.Counter
	SubscriptionsExpired   prometheus.Counter

	// Scheduler
	SweepDuration  prometheus.Histogram
	SweepDueCount  prometheus.Histogram
	ClaimConflicts prometheus.Counter

	// Items
	ItemsSkipped *prometheus.CounterVec

	// External API performance
	GatewayLatency *prometheus.HistogramVec
}

// NewMetrics creates and registers all engine metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "iduna"
	}

	subsystem := "renewal"

	return &Metrics{
		RenewalsAttempted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "attempts_total",
				Help:      "Total renewal billing attempts",
			},
			[]string{"cadence"},
		),
		RenewalsSucceeded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "succeeded_total",
				Help:      "Total successful renewals",
			},
			[]string{"cadence"},
		),
		RenewalsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "failed_total",
				Help:      "Total failed renewal attempts",
			},
			[]string{"cadence", "error_class"}, // error_class: transient, declined, payment_method_missing
		),
		RenewalsSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "skipped_total",
				Help:      "Total renewals skipped entirely (whole basket unavailable)",
			},
			[]string{"cadence"},
		),
		RenewalDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "duration_seconds",
				Help:      "End-to-end duration of one renewal attempt",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"}, // outcome: success, failed, skipped
		),
		RevenueCollected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "revenue_collected_cents",
				Help:      "Total renewal revenue collected in cents",
			},
			[]string{"currency"},
		),
		RenewalValue: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "order_value_cents",
				Help:      "Renewal order value distribution in cents",
				Buckets:   []float64{1000, 2500, 5000, 7500, 10000, 15000, 25000, 50000, 100000},
			},
			[]string{"currency"},
		),
		SubscriptionsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscriptions",
				Name:      "created_total",
				Help:      "Total subscriptions created",
			},
			[]string{"cadence"},
		),
		SubscriptionsPaused: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscriptions",
				Name:      "paused_total",
				Help:      "Total subscriptions paused",
			},
		),
		SubscriptionsResumed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscriptions",
				Name:      "resumed_total",
				Help:      "Total subscriptions resumed from pause",
			},
		),
		SubscriptionsCancelled: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscriptions",
				Name:      "cancelled_total",
				Help:      "Total subscriptions cancelled by users",
			},
		),
		SubscriptionsExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscriptions",
				Name:      "expired_total",
				Help:      "Total subscriptions expired after exhausting billing attempts",
			},
		),
		SweepDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of one due-subscription sweep",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
			},
		),
		SweepDueCount: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "sweep_due_count",
				Help:      "Number of due subscriptions found per sweep",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		ClaimConflicts: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "claim_conflicts_total",
				Help:      "Total claim attempts that lost to a concurrent holder",
			},
		),
		ItemsSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "items_skipped_total",
				Help:      "Total basket items skipped at renewal",
			},
			[]string{"reason"}, // reason: out_of_stock, insufficient_stock, discontinued
		),
		GatewayLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "api_duration_seconds",
				Help:      "Payment gateway call duration",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"}, // operation: charge_off_session, create_customer, attach_payment_method
		),
	}
}
