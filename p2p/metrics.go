package p2p

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	strikesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vision_peer_strikes_total",
		Help: "Strikes recorded against peers by reason",
	}, []string{"reason"})

	quarantinedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vision_peers_quarantined",
		Help: "Peers currently inside a quarantine window",
	})

	handshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vision_handshakes_total",
		Help: "Handshakes by result",
	}, []string{"result"})

	forkDetectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vision_fork_detect_total",
		Help: "Common-ancestor searches by result",
	}, []string{"result"})

	syncBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vision_sync_blocks_total",
		Help: "Blocks pulled by the sync coordinator",
	})
)
