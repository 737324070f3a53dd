// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketd"

var (
	BroadcastEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "events_total",
		Help:      "Events accepted by the broadcast gateway, by type.",
	}, []string{"type"})

	BatchesFlushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "batches_flushed_total",
		Help:      "message_batch events delivered, by flush trigger.",
	}, []string{"trigger"})

	DealsLocked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "matcher",
		Name:      "deals_locked_total",
		Help:      "Deals created by the matcher.",
	})

	LockContention = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "matcher",
		Name:      "lock_contention_total",
		Help:      "Match attempts that lost the lock race.",
	})

	VerificationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "verify",
		Name:      "outcomes_total",
		Help:      "Finished verification jobs, by final status and failing stage.",
	}, []string{"status", "stage"})

	VerificationAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "verify",
		Name:      "attempts_total",
		Help:      "Pipeline attempts including retries.",
	})

	Generations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "generations_total",
		Help:      "Generation requests, by result (ok, error, throttled, skipped, dropped).",
	}, []string{"result"})
)

// Registry holds every collector above plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		BroadcastEvents,
		BatchesFlushed,
		DealsLocked,
		LockContention,
		VerificationOutcomes,
		VerificationAttempts,
		Generations,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
