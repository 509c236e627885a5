package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Define global variables for metrics.
// We use 'promauto' which automatically registers metrics without complex initialization.

var (
	// Inserts counts committed node insertions, labeled by vector encoding.
	Inserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "altavec_inserts_total",
			Help: "Total number of nodes inserted into the graph",
		},
		[]string{"quant"},
	)

	// Deletes counts node deletions, including the reconnection repair work.
	Deletes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "altavec_deletes_total",
			Help: "Total number of nodes deleted from the graph",
		},
		[]string{"quant"},
	)

	// Searches counts approximate k-NN queries (plain and filtered).
	Searches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "altavec_searches_total",
			Help: "Total number of graph searches performed",
		},
		[]string{"quant"},
	)

	// CommitConflicts counts optimistic insertions rejected because the
	// graph version moved between prepare and commit. A high rate means
	// heavy write contention and callers falling back to blocking inserts.
	CommitConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "altavec_commit_conflicts_total",
			Help: "Total number of optimistic insert commits rejected as stale",
		},
		[]string{"quant"},
	)

	// Nodes tracks the current number of nodes in the graph.
	Nodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "altavec_nodes",
			Help: "Current number of nodes in the graph",
		},
		[]string{"quant"},
	)
)
