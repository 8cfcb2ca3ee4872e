// Package metrics exposes Prometheus collectors for the decision engine.
//
// Primary series:
//   - engine_ticks_total{pair}                  – Ticks accepted into arbitration
//   - engine_ticks_dropped_total{pair}          – Ticks dropped while the guard was held
//   - engine_decisions_total{signal,source}     – Executed decisions by signal and source
//   - engine_stop_triggers_total{type}          – Stop triggers by cause
//   - engine_guard_force_releases_total         – Watchdog force-releases of a stuck guard
//   - engine_recoveries_total{action}           – Recovery actions dispatched
//   - engine_regime_confidence{pair}            – Confidence of the current regime (gauge)
//   - engine_health_status                      – 0 healthy, 1 warning, 2 error (gauge)
//
// Registered in init() and served at /metrics by the status API server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_ticks_total",
			Help: "Ticks accepted into arbitration",
		},
		[]string{"pair"},
	)

	TicksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_ticks_dropped_total",
			Help: "Ticks dropped because the concurrency guard was held",
		},
		[]string{"pair"},
	)

	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_decisions_total",
			Help: "Executed decisions by signal and source",
		},
		[]string{"signal", "source"},
	)

	StopTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_stop_triggers_total",
			Help: "Stop triggers by cause",
		},
		[]string{"type"},
	)

	GuardForceReleases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_guard_force_releases_total",
			Help: "Stuck concurrency guards force-released by the watchdog",
		},
	)

	Recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_recoveries_total",
			Help: "Recovery actions dispatched by the supervisor",
		},
		[]string{"action"},
	)

	RegimeConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_regime_confidence",
			Help: "Confidence of the current market regime",
		},
		[]string{"pair"},
	)

	HealthStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_health_status",
			Help: "Engine health: 0 healthy, 1 warning, 2 error",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Ticks,
		TicksDropped,
		Decisions,
		StopTriggers,
		GuardForceReleases,
		Recoveries,
		RegimeConfidence,
		HealthStatus,
	)
}
