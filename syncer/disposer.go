package syncer

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// A BanStore stores banned IPs.
type BanStore interface {
	// Ban bans ip until the given time.
	Ban(ip string, until time.Time, reason string) error
	// Banned reports whether ip is banned. Expired bans are deleted when
	// they are read.
	Banned(ip string) (bool, error)
}

// A PeerDisposer removes misbehaving or unreachable peers, banning the
// misbehaving ones.
type PeerDisposer struct {
	log       *zap.Logger
	repo      *PeerRepository
	connector *PeerConnector
	bans      BanStore
	banTime   time.Duration
	metrics   *metrics

	mu sync.Mutex
}

// IsBanned reports whether ip is currently banned.
func (pd *PeerDisposer) IsBanned(ip string) bool {
	banned, err := pd.bans.Banned(ip)
	if err != nil {
		pd.log.Warn("failed to check ban", zap.String("peer", ip), zap.Error(err))
		return false
	}
	return banned
}

// DisposePeer disconnects ip and removes it from the repository.
func (pd *PeerDisposer) DisposePeer(ip string) {
	pd.connector.Disconnect(ip)
	if pd.repo.ForgetPeer(ip) {
		pd.metrics.peersDisposed.Inc()
		pd.log.Debug("disposed peer", zap.String("peer", ip))
	}
}

// BanPeer penalizes ip for err. Transient errors only dispose the peer; all
// others also ban it for the configured ban time. BanPeer is a no-op if the
// peer is already banned or, when checkRepository is set, not connected.
func (pd *PeerDisposer) BanPeer(ip string, err error, checkRepository bool) {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if checkRepository && !pd.repo.HasPeer(ip) {
		return
	} else if pd.IsBanned(ip) {
		return
	}

	kind := errorKind(err)
	if kind.Transient() || pd.banTime == 0 {
		pd.log.Debug("disposing peer", zap.String("peer", ip), zap.Stringer("kind", kind), zap.Error(err))
		pd.DisposePeer(ip)
		return
	}

	pd.log.Debug("banning peer", zap.String("peer", ip), zap.Stringer("kind", kind), zap.Duration("duration", pd.banTime), zap.Error(err))
	if err := pd.bans.Ban(ip, time.Now().Add(pd.banTime), err.Error()); err != nil {
		pd.log.Warn("failed to ban peer", zap.String("peer", ip), zap.Error(err))
	} else {
		pd.metrics.peersBanned.WithLabelValues(kind.String()).Inc()
	}
	pd.DisposePeer(ip)
}
