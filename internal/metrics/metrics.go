// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TickDuration is the wall time of one supervisor cycle.
var TickDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "polyguard",
		Subsystem: "supervisor",
		Name:      "tick_duration_ms",
		Help:      "Duration of one supervisor cycle in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	},
)

// TicksTotal counts cycles by result (ok, hold_steady, snapshot_skipped).
var TicksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "polyguard",
		Subsystem: "supervisor",
		Name:      "ticks_total",
		Help:      "Total supervisor cycles by result",
	},
	[]string{"result"},
)

// PositionsMonitored is the current registry size.
var PositionsMonitored = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "polyguard",
		Subsystem: "supervisor",
		Name:      "positions_monitored",
		Help:      "Number of ACTIVE positions in the registry",
	},
)

// ClosesInFlight is the number of close executions currently running.
var ClosesInFlight = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "polyguard",
		Subsystem: "executor",
		Name:      "closes_in_flight",
		Help:      "Number of close executions in progress",
	},
)

// Decisions counts close decisions by criterion.
var Decisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "polyguard",
		Subsystem: "autostop",
		Name:      "decisions_total",
		Help:      "Close decisions by triggering criterion",
	},
	[]string{"reason"},
)

// Transitions counts ledger CAS attempts by edge and result (won, lost, error).
var Transitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "polyguard",
		Subsystem: "ledger",
		Name:      "transitions_total",
		Help:      "Conditional status transitions by edge and result",
	},
	[]string{"edge", "result"},
)

// DispatchAttempts counts close attempts by result (filled, rejected, error, timeout).
var DispatchAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "polyguard",
		Subsystem: "executor",
		Name:      "dispatch_attempts_total",
		Help:      "Close dispatch attempts by result",
	},
	[]string{"result"},
)

// DispatchLatency is the time from first close request to a terminal outcome.
var DispatchLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "polyguard",
		Subsystem: "executor",
		Name:      "close_latency_ms",
		Help:      "Time from close request to fill or rollback in milliseconds",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	},
)

// DependencyErrors counts failed calls to external collaborators.
var DependencyErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "polyguard",
		Subsystem: "supervisor",
		Name:      "dependency_errors_total",
		Help:      "Failed calls to external dependencies",
	},
	[]string{"dependency"},
)

// LedgerEscalated is 1 while consecutive ledger failures exceed the threshold.
var LedgerEscalated = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "polyguard",
		Subsystem: "ledger",
		Name:      "escalated",
		Help:      "1 when the ledger is considered unrecoverable",
	},
)
