package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Block metrics
	blocksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vision_blocks_processed_total",
		Help: "Blocks processed by acceptance outcome",
	}, []string{"outcome"})

	// Reorg metrics
	reorgsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vision_reorgs_total",
		Help: "Reorg attempts by result",
	}, []string{"result"})

	reorgDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vision_reorg_depth_blocks",
		Help:    "Blocks rolled back per completed reorg",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	heightChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vision_height_changes_total",
		Help: "Canonical height changes by operation and severity",
	}, []string{"op", "severity"})

	// Gauge metrics
	chainHeightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vision_chain_length",
		Help: "Blocks in the canonical chain, genesis included",
	})

	sidePoolGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vision_side_pool_blocks",
		Help: "Blocks held in the side/orphan pool",
	})

	parentFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vision_parent_fetches_total",
		Help: "Missing-parent fetches by result",
	}, []string{"result"})

	miningEligibleGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vision_mining_eligible",
		Help: "1 when the mining gate is open",
	})
)

// RecordBlockOutcome counts one acceptance result.
func RecordBlockOutcome(state AcceptState) {
	blocksProcessedTotal.WithLabelValues(state.String()).Inc()
}

// RecordHeightChange counts one safety-guard event.
func RecordHeightChange(ev HeightChange) {
	heightChangesTotal.WithLabelValues(ev.Op.String(), ev.Severity.String()).Inc()
	chainHeightGauge.Set(float64(ev.New))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
