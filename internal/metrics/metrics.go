// Package metrics holds the worker's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maelstrom_worker_slots_in_use",
		Help: "Execution slots currently occupied by running jobs.",
	})

	ReadyQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maelstrom_worker_ready_queue_depth",
		Help: "Jobs built and waiting for a free slot.",
	})

	CacheResidentBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maelstrom_worker_cache_resident_bytes",
		Help: "Total bytes of artifacts resident in the cache.",
	})

	CacheOverTarget = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maelstrom_worker_cache_over_target_total",
		Help: "Artifact admissions that left the cache above its target size.",
	})

	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maelstrom_worker_jobs_completed_total",
		Help: "Jobs that reached a terminal state, by status.",
	}, []string{"status"})

	ArtifactFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maelstrom_worker_artifact_fetches_total",
		Help: "Artifact fetch completions, by result.",
	}, []string{"result"})
)
