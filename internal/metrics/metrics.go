// Package metrics exposes Prometheus collectors for the referral service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transitions counts advance attempts by target status and outcome.
var Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scoutlink",
	Subsystem: "funnel",
	Name:      "transitions_total",
	Help:      "Conversion status transitions by target status and outcome.",
}, []string{"target", "outcome"})

// PayoutsComputed counts payouts attached on entering hired.
var PayoutsComputed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "scoutlink",
	Subsystem: "payout",
	Name:      "computed_total",
	Help:      "Payouts computed by the hired transition.",
})

// PayoutYen accumulates computed payout amounts in yen.
var PayoutYen = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "scoutlink",
	Subsystem: "payout",
	Name:      "computed_yen_total",
	Help:      "Sum of payout amounts computed by the hired transition, in yen.",
})

// Settlements counts paid/unpaid flips by action and outcome.
var Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scoutlink",
	Subsystem: "payout",
	Name:      "settlements_total",
	Help:      "Payout settlement operations by action and outcome.",
}, []string{"action", "outcome"})

// Calculations counts calculator invocations by operation.
var Calculations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scoutlink",
	Subsystem: "commission",
	Name:      "calculations_total",
	Help:      "Commission calculator invocations by operation and outcome.",
}, []string{"operation", "outcome"})

// LockWait observes how long mutations waited for the per-conversion lock.
var LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "scoutlink",
	Subsystem: "funnel",
	Name:      "lock_wait_seconds",
	Help:      "Time spent waiting for the per-conversion lock.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
})

// Outcome maps an error to a metric label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
