package syncer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"go.uber.org/zap"
)

// A PeerProcessor admits new peers. Candidates are checked against the IP
// policy before any connection is made; accepted candidates are connected,
// pinged, and, if they pass verification, added to the repository and
// offered to the downloaders.
type PeerProcessor struct {
	log       *zap.Logger
	repo      *PeerRepository
	disposer  *PeerDisposer
	connector *PeerConnector
	comm      *PeerCommunicator
	headers   *HeaderService

	allowLocalPeers    bool
	whitelist          ipMatcher
	blacklist          ipMatcher
	maxSameSubnetPeers int
	verifyTimeout      time.Duration
}

// ValidatePeerIP checks whether a connection to ip may be attempted. Seed
// peers are exempt from the subnet cap.
func (pp *PeerProcessor) ValidatePeerIP(ip string, seed bool) error {
	parsed := net.ParseIP(ip)
	switch {
	case parsed == nil:
		return fmt.Errorf("invalid ip %q", ip)
	case parsed.IsUnspecified() || parsed.IsMulticast():
		return errors.New("ip is not routable")
	case !pp.allowLocalPeers && !isPublicIP(parsed):
		return errors.New("ip is not public")
	case !pp.whitelist.empty() && !pp.whitelist.match(ip):
		return errors.New("ip is not whitelisted")
	case pp.blacklist.match(ip):
		return errors.New("ip is blacklisted")
	case pp.disposer.IsBanned(ip):
		return ErrPeerBanned
	case pp.repo.HasPeer(ip) || pp.repo.HasPendingPeer(ip):
		return errors.New("peer is already known")
	case !seed && len(pp.repo.SameSubnetPeers(ip)) >= pp.maxSameSubnetPeers:
		return errors.New("too many peers in the same subnet")
	}
	return nil
}

// allowInbound checks whether a connection from ip may be served.
func (pp *PeerProcessor) allowInbound(ip string) error {
	switch {
	case !pp.whitelist.empty() && !pp.whitelist.match(ip):
		return errors.New("ip is not whitelisted")
	case pp.blacklist.match(ip):
		return errors.New("ip is blacklisted")
	case pp.disposer.IsBanned(ip):
		return ErrPeerBanned
	}
	return nil
}

// ValidateAndAcceptPeer admits the peer at pb if it passes ValidatePeerIP
// and verification. Failures are logged, never returned.
func (pp *PeerProcessor) ValidateAndAcceptPeer(ctx context.Context, pb wire.PeerBroadcast, seed bool) {
	if _, err := pp.acceptPeer(ctx, pb, seed); err != nil {
		pp.log.Debug("rejected peer", zap.String("peer", pb.Address()), zap.Bool("seed", seed), zap.Error(err))
	}
}

func (pp *PeerProcessor) acceptPeer(ctx context.Context, pb wire.PeerBroadcast, seed bool) (*Peer, error) {
	if err := wire.ValidateBroadcast(pb); err != nil {
		return nil, err
	} else if err := pp.ValidatePeerIP(pb.IP, seed); err != nil {
		return nil, err
	}

	p := NewPeer(pb)
	if !pp.repo.SetPendingPeer(p) {
		return nil, errors.New("peer is already known")
	}
	defer pp.repo.ForgetPendingPeer(p.IP)

	ctx, cancel := context.WithTimeout(ctx, pp.verifyTimeout)
	defer cancel()
	if _, err := pp.connector.Connect(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	} else if err := pp.comm.Ping(ctx, p, pp.verifyTimeout, true); err != nil {
		pp.connector.Disconnect(p.IP)
		return nil, fmt.Errorf("failed to verify peer: %w", err)
	}

	pp.repo.SetPeer(p)
	pp.log.Debug("accepted peer", zap.String("peer", pb.Address()), zap.String("version", p.Version()), zap.Uint64("height", p.Height()))
	pp.headers.Handle(p, p.Header())
	return p, nil
}

// isPublicIP reports whether ip is routable on the public internet.
func isPublicIP(ip net.IP) bool {
	return !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast() &&
		!ip.IsLinkLocalMulticast() && !ip.IsInterfaceLocalMulticast() && !ip.IsUnspecified()
}
