// Package metrics exposes the engine's Prometheus instrumentation.
//
// Primary series:
//   - engine_triggers_enqueued_total{kind}   – SL/TP triggers queued
//   - engine_triggers_executed_total{kind,result} – drain outcomes
//   - engine_triggers_dropped_total          – overflow evictions
//   - engine_queue_depth                     – current queue depth (gauge)
//   - engine_closures_total{reason}          – position closures by reason
//   - engine_reconciliations_total           – reconciler cycles
//   - engine_discrepancies_total{action}     – reconciler findings
//   - engine_liquidations_total              – forced closes
//   - engine_tx_retries_total                – coordinator deadlock retries
//
// Registered in init() and served by the /metrics handler started in cmd.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TriggersEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_triggers_enqueued_total",
			Help: "SL/TP triggers enqueued",
		},
		[]string{"kind"},
	)

	TriggersExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_triggers_executed_total",
			Help: "Trigger drain outcomes",
		},
		[]string{"kind", "result"}, // result: ok|duplicate|error|timeout
	)

	TriggersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_triggers_dropped_total",
			Help: "Triggers evicted on queue overflow",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_queue_depth",
			Help: "Current SL/TP queue depth",
		},
	)

	Closures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_closures_total",
			Help: "Position closures by reason",
		},
		[]string{"reason"},
	)

	Reconciliations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_reconciliations_total",
			Help: "Broker reconciliation cycles",
		},
	)

	Discrepancies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_discrepancies_total",
			Help: "Reconciliation discrepancies by action",
		},
		[]string{"action"}, // sync_db|alert_only
	)

	Liquidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_liquidations_total",
			Help: "Positions force-closed by the liquidation engine",
		},
	)

	TxRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_tx_retries_total",
			Help: "Coordinator deadlock retries",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TriggersEnqueued,
		TriggersExecuted,
		TriggersDropped,
		QueueDepth,
		Closures,
		Reconciliations,
		Discrepancies,
		Liquidations,
		TxRetries,
	)
}

// Handler returns the Prometheus exposition handler for /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
