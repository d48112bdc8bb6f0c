package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	peers            prometheus.GaugeFunc
	peersDisposed    prometheus.Counter
	peersBanned      *prometheus.CounterVec
	rpcDuration      *prometheus.HistogramVec
	rpcErrors        *prometheus.CounterVec
	inboundRejected  *prometheus.CounterVec
	blockJobs        prometheus.Gauge
	blocksDownloaded prometheus.Counter
	messagesReceived *prometheus.CounterVec
	proposals        prometheus.Counter
}

// newMetrics creates the syncer's collectors and registers them with reg, if
// not nil. peers reports the current number of connected peers.
func newMetrics(reg prometheus.Registerer, peers func() float64) *metrics {
	if peers == nil {
		peers = func() float64 { return 0 }
	}
	m := &metrics{
		peers: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mainsail_p2p_peers",
			Help: "Number of connected peers.",
		}, peers),
		peersDisposed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mainsail_p2p_peers_disposed_total",
			Help: "Number of peers disconnected and removed.",
		}),
		peersBanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mainsail_p2p_peers_banned_total",
			Help: "Number of bans by error kind.",
		}, []string{"kind"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mainsail_p2p_rpc_duration_seconds",
			Help:    "Duration of successful outbound requests by route.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"route"}),
		rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mainsail_p2p_rpc_errors_total",
			Help: "Failed outbound requests by route and error kind.",
		}, []string{"route", "kind"}),
		inboundRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mainsail_p2p_inbound_rejected_total",
			Help: "Inbound requests rejected by the rate limiter, by route.",
		}, []string{"route"}),
		blockJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mainsail_p2p_block_jobs",
			Help: "Number of queued block download jobs.",
		}),
		blocksDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mainsail_p2p_blocks_downloaded_total",
			Help: "Number of committed blocks downloaded and applied.",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mainsail_p2p_messages_downloaded_total",
			Help: "Number of downloaded votes by type.",
		}, []string{"type"}),
		proposals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mainsail_p2p_proposals_downloaded_total",
			Help: "Number of downloaded proposals.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.peers, m.peersDisposed, m.peersBanned, m.rpcDuration, m.rpcErrors,
			m.inboundRejected, m.blockJobs, m.blocksDownloaded, m.messagesReceived, m.proposals)
	}
	return m
}
