// Package metrics exposes the Prometheus instrumentation for the pricing
// and balancing pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all treasuryrun Prometheus collectors.
type Registry struct {
	prom *prometheus.Registry

	// Aggregation
	ConsolidateRuns    *prometheus.CounterVec   // token, mode
	ConsolidateErrors  *prometheus.CounterVec   // token, kind
	AdapterLatency     *prometheus.HistogramVec // source, result
	AdapterMisses      *prometheus.CounterVec   // source, reason
	ValidatorDrops     *prometheus.CounterVec   // source, reason
	DivergenceAlerts   *prometheus.CounterVec   // token, source
	SourcesUsed        *prometheus.GaugeVec     // token

	// Balancing
	SignalsFired       *prometheus.CounterVec // rule, direction
	SignalsSuppressed  *prometheus.CounterVec // rule, reason
	IntentTransitions  *prometheus.CounterVec // rule, status
	BroadcastRetries   *prometheus.CounterVec // rule
	ChainErrors        *prometheus.CounterVec // op, kind
}

// New builds a Registry with every collector registered on a fresh
// prometheus.Registry.
func New() *Registry {
	r := &Registry{prom: prometheus.NewRegistry()}

	r.ConsolidateRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "treasuryrun_consolidate_runs_total",
		Help: "Aggregation runs by token and resulting mode",
	}, []string{"token", "mode"})

	r.ConsolidateErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "treasuryrun_consolidate_errors_total",
		Help: "Aggregation runs that surfaced a hard error",
	}, []string{"token", "kind"})

	r.AdapterLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "treasuryrun_adapter_fetch_seconds",
		Help:    "Price source fetch latency",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"source", "result"})

	r.AdapterMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "treasuryrun_adapter_misses_total",
		Help: "Adapter fetches that returned no data, by reason",
	}, []string{"source", "reason"})

	r.ValidatorDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "treasuryrun_validator_drops_total",
		Help: "Quotes rejected by the validator, by gate",
	}, []string{"source", "reason"})

	r.DivergenceAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "treasuryrun_divergence_alerts_total",
		Help: "Sources deviating from the consolidated price beyond delta_bps",
	}, []string{"token", "source"})

	r.SourcesUsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "treasuryrun_sources_used",
		Help: "Validated sources contributing to the latest consolidated price",
	}, []string{"token"})

	r.SignalsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "treasuryrun_signals_fired_total",
		Help: "Transfer signals emitted by the trigger evaluator",
	}, []string{"rule", "direction"})

	r.SignalsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "treasuryrun_signals_suppressed_total",
		Help: "Trigger evaluations that yielded no signal, by reason",
	}, []string{"rule", "reason"})

	r.IntentTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "treasuryrun_intent_transitions_total",
		Help: "Transfer intent status transitions",
	}, []string{"rule", "status"})

	r.BroadcastRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "treasuryrun_broadcast_retries_total",
		Help: "Transient broadcast failures retried within one intent",
	}, []string{"rule"})

	r.ChainErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "treasuryrun_chain_errors_total",
		Help: "Chain client errors by operation and kind",
	}, []string{"op", "kind"})

	r.prom.MustRegister(
		r.ConsolidateRuns, r.ConsolidateErrors, r.AdapterLatency, r.AdapterMisses,
		r.ValidatorDrops, r.DivergenceAlerts, r.SourcesUsed,
		r.SignalsFired, r.SignalsSuppressed, r.IntentTransitions,
		r.BroadcastRetries, r.ChainErrors,
	)
	return r
}

// Gatherer exposes the underlying registry for the /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.prom }
