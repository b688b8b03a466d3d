// Package metrics registers the engine's Prometheus instrumentation.
//
// Primary series:
//   - engine_orders_total{result}          – orders by outcome (executed|rejected|unknown)
//   - engine_admissions_denied_total{gate} – guard denials by gate
//   - engine_signal_requests_total{result} – prediction calls (ok|error)
//   - engine_reconcile_failures_total      – failed broker reconciliations
//   - engine_watchdog_stalls_total         – watchdog inactivity alerts
//   - engine_session_state{symbol,state}   – lifecycle state indicator (0/1 per labeled series)
//   - engine_equity                        – account equity snapshot
//   - engine_open_positions{symbol}        – locally known open positions
//
// Registered in init() and served at /metrics by the HTTP listener started
// from main.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Orders submitted, by outcome",
		},
		[]string{"result"},
	)

	AdmissionsDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_admissions_denied_total",
			Help: "Execution guard denials, by gate",
		},
		[]string{"gate"},
	)

	SignalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_signal_requests_total",
			Help: "Prediction service calls, by result",
		},
		[]string{"result"},
	)

	ReconcileFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_reconcile_failures_total",
			Help: "Reconciliation passes that could not confirm broker state",
		},
	)

	WatchdogStalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_watchdog_stalls_total",
			Help: "Watchdog alerts for halted tick processing",
		},
	)

	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_session_state",
			Help: "Lifecycle state indicator; the active state's series is 1",
		},
		[]string{"symbol", "state"},
	)

	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_equity",
			Help: "Account equity in account currency",
		},
	)

	OpenPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Locally recorded open positions",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		Orders,
		AdmissionsDenied,
		SignalRequests,
		ReconcileFailures,
		WatchdogStalls,
		SessionState,
		Equity,
		OpenPositions,
	)
}
