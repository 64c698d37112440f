// Package metrics exposes the orchestrator's Prometheus collectors.
// They register into the default registry; the server serves them
// at /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentsSpawned counts every successful PTY spawn, including
	// reroute replacements and session resumes.
	AgentsSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homer_agents_spawned_total",
		Help: "Total number of agents spawned.",
	})

	// VerifyRuns counts verification runs by result (pass, fail, skipped).
	VerifyRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homer_verify_runs_total",
		Help: "Total verification runs by result.",
	}, []string{"result"})

	// Reroutes counts terminate-and-respawn handoffs.
	Reroutes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homer_reroutes_total",
		Help: "Total agent reroutes.",
	})

	// MemoryWrites counts memory store writes by kind
	// (verification, success, failure, compaction).
	MemoryWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homer_memory_writes_total",
		Help: "Total memory store writes by kind.",
	}, []string{"kind"})

	// VerifyDuration observes wall-clock seconds per verification run.
	VerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "homer_verify_duration_seconds",
		Help:    "Verification run duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// ActiveAgents tracks agents in working or verifying status.
	ActiveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homer_active_agents",
		Help: "Number of agents currently working or verifying.",
	})
)

// VerifyResultLabel maps a verification outcome to its counter label.
func VerifyResultLabel(passed, skipped bool) string {
	switch {
	case skipped:
		return "skipped"
	case passed:
		return "pass"
	default:
		return "fail"
	}
}
