package syncer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"go.sia.tech/core/types"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"
)

// Request timeouts.
const (
	votesTimeout        = 2 * time.Second
	proposalTimeout     = 2 * time.Second
	statusTimeout       = 5 * time.Second
	peersTimeout        = 5 * time.Second
	transactionsTimeout = 10 * time.Second
	pingPortsTimeout    = 10 * time.Second

	// recentlyPinged is the window in which a non-forced Ping is skipped.
	recentlyPinged = 2 * time.Minute
)

type (
	blockSource interface {
		GetBlocks(ctx context.Context, p *Peer, fromHeight uint64, limit int) ([][]byte, error)
	}

	messageSource interface {
		GetMessages(ctx context.Context, p *Peer) (prevotes, precommits [][]byte, err error)
	}

	proposalSource interface {
		GetProposal(ctx context.Context, p *Peer) ([]byte, error)
	}

	// blockIndex is used to check a peer's claimed state against our chain.
	blockIndex interface {
		LastHeight() uint64
		BlockID(height uint64) (types.BlockID, bool)
	}
)

type txQueue struct {
	mu   sync.Mutex
	last time.Time
}

// A PeerCommunicator issues typed requests to peers. Every successful
// response carries the peer's header, which is forwarded to the
// HeaderService.
type PeerCommunicator struct {
	log       *zap.Logger
	connector *PeerConnector
	throttle  *Throttle
	disposer  *PeerDisposer
	metrics   *metrics
	chain     blockIndex
	header    func() Header
	onHeader  func(*Peer, wire.Header)
	http      *http.Client

	nethash             types.Hash256
	minVersion          string
	getBlocksTimeout    time.Duration
	maxSequentialErrors int
	txSpacing           time.Duration

	mu       sync.Mutex
	txQueues map[string]*txQueue
}

// emit sends obj to p through the throttle and the connector. Failed
// requests are attributed to p; if blockOnError is set, p is also passed to
// the disposer.
func (pc *PeerCommunicator) emit(ctx context.Context, p *Peer, obj wire.Object, timeout time.Duration, blockOnError bool) error {
	route := obj.ID()
	if err := pc.throttle.Wait(ctx, p.IP, route); err != nil {
		return err
	}

	start := time.Now()
	remote, err := pc.connector.Emit(ctx, p, pc.header().Header, obj, timeout)
	if err != nil && ctx.Err() != nil {
		// shutting down; not the peer's fault
		return ctx.Err()
	} else if err != nil {
		err = &PeerError{Kind: classifyError(err), IP: p.IP, Route: route, Err: err}
	} else if verr := remote.Validate(); verr != nil {
		err = &PeerError{Kind: KindValidation, IP: p.IP, Route: route, Err: fmt.Errorf("invalid header: %w", verr)}
	} else if verr := obj.ValidateResponse(); verr != nil {
		err = &PeerError{Kind: KindValidation, IP: p.IP, Route: route, Err: verr}
	}

	if err != nil {
		kind := errorKind(err)
		pc.metrics.rpcErrors.WithLabelValues(route.String(), kind.String()).Inc()
		pc.log.Debug("request failed", zap.String("peer", p.IP), zap.Stringer("route", route), zap.Stringer("kind", kind), zap.Error(err))
		if blockOnError {
			pc.disposer.BanPeer(p.IP, err, true)
		}
		if n := p.recordError(); n >= pc.maxSequentialErrors {
			pc.disposer.DisposePeer(p.IP)
		}
		return err
	}

	elapsed := time.Since(start)
	p.recordSuccess(elapsed)
	pc.metrics.rpcDuration.WithLabelValues(route.String()).Observe(elapsed.Seconds())
	if pc.onHeader != nil {
		pc.onHeader(p, remote)
	}
	return nil
}

// GetBlocks requests up to limit committed blocks starting at fromHeight.
// Failures are not passed to the disposer; the block downloader penalizes
// the peer itself.
func (pc *PeerCommunicator) GetBlocks(ctx context.Context, p *Peer, fromHeight uint64, limit int) ([][]byte, error) {
	r := &wire.RPCGetBlocks{FromHeight: fromHeight, Limit: uint64(limit)}
	if err := pc.emit(ctx, p, r, pc.getBlocksTimeout, false); err != nil {
		return nil, err
	}
	return r.Blocks, nil
}

// GetMessages requests the prevotes and precommits p holds for our current
// height and round.
func (pc *PeerCommunicator) GetMessages(ctx context.Context, p *Peer) (prevotes, precommits [][]byte, err error) {
	r := new(wire.RPCGetMessages)
	if err := pc.emit(ctx, p, r, votesTimeout, true); err != nil {
		return nil, nil, err
	}
	return r.Prevotes, r.Precommits, nil
}

// GetProposal requests the proposal p holds for our current height and round.
// An empty result means p has none.
func (pc *PeerCommunicator) GetProposal(ctx context.Context, p *Peer) ([]byte, error) {
	r := new(wire.RPCGetProposal)
	if err := pc.emit(ctx, p, r, proposalTimeout, true); err != nil {
		return nil, err
	}
	return r.Proposal, nil
}

// GetPeers requests the peers p is connected to.
func (pc *PeerCommunicator) GetPeers(ctx context.Context, p *Peer) ([]wire.PeerBroadcast, error) {
	r := new(wire.RPCGetPeers)
	if err := pc.emit(ctx, p, r, peersTimeout, true); err != nil {
		return nil, err
	}
	return r.Peers, nil
}

// GetAPINodes requests the API nodes known to p.
func (pc *PeerCommunicator) GetAPINodes(ctx context.Context, p *Peer) ([]wire.PeerBroadcast, error) {
	r := new(wire.RPCGetAPINodes)
	if err := pc.emit(ctx, p, r, peersTimeout, true); err != nil {
		return nil, err
	}
	return r.APINodes, nil
}

// GetStatus requests the configuration and state of p.
func (pc *PeerCommunicator) GetStatus(ctx context.Context, p *Peer, timeout time.Duration) (wire.PeerConfig, wire.PeerState, error) {
	r := new(wire.RPCGetStatus)
	if err := pc.emit(ctx, p, r, timeout, true); err != nil {
		return wire.PeerConfig{}, wire.PeerState{}, err
	}
	return r.Config, r.State, nil
}

// Ping requests the status of p and verifies that p belongs to our network
// and runs a supported version. The claimed state is checked against our
// chain and recorded on p; peers on a fork are kept, but a state that
// contradicts itself fails the ping. Unless force is set, peers pinged
// recently are skipped.
func (pc *PeerCommunicator) Ping(ctx context.Context, p *Peer, timeout time.Duration, force bool) error {
	if !force && p.RecentlyPinged(recentlyPinged) {
		return nil
	}

	config, state, err := pc.GetStatus(ctx, p, min(timeout, statusTimeout))
	if err != nil {
		return err
	} else if config.Network.Nethash != pc.nethash {
		return &PeerError{Kind: KindProtocol, IP: p.IP, Route: wire.RouteGetStatus, Err: fmt.Errorf("nethash mismatch: %v", config.Network.Nethash)}
	} else if !isValidVersion(config.Version, pc.minVersion) {
		return &PeerError{Kind: KindProtocol, IP: p.IP, Route: wire.RouteGetStatus, Err: fmt.Errorf("unsupported version %q", config.Version)}
	}

	vr := pc.verifyState(state)
	p.setVerificationResult(vr)
	if vr.Invalid {
		return &PeerError{Kind: KindProtocol, IP: p.IP, Route: wire.RouteGetStatus, Err: fmt.Errorf("state height %d does not match header height %d", state.Height, state.Header.Height)}
	}
	p.setVersion(config.Version)
	p.setStatus(config.Plugins)
	return nil
}

// verifyState checks the state claimed by a peer against our chain. A peer
// whose last block differs from ours at the same height is on a fork; its
// highest common height is then taken to be the height below.
func (pc *PeerCommunicator) verifyState(state wire.PeerState) VerificationResult {
	ours := pc.chain.LastHeight()
	vr := VerificationResult{
		MyHeight:            ours,
		HisHeight:           state.Header.Height,
		HighestCommonHeight: min(ours, state.Header.Height),
		Time:                time.Now(),
	}
	if state.Height != state.Header.Height {
		vr.Invalid = true
		return vr
	} else if state.Header.Height > ours {
		return vr
	}
	if id, ok := pc.chain.BlockID(state.Header.Height); ok && id != state.Header.ID {
		vr.Forked = true
		vr.HighestCommonHeight = state.Header.Height - 1
	}
	return vr
}

func (pc *PeerCommunicator) txQueue(ip string) *txQueue {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	q, ok := pc.txQueues[ip]
	if !ok {
		q = new(txQueue)
		pc.txQueues[ip] = q
	}
	return q
}

// forgetPeer drops the state held for a removed peer.
func (pc *PeerCommunicator) forgetPeer(p *Peer) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.txQueues, p.IP)
}

// PostTransactions relays transactions to p. Calls for the same peer are
// spaced so that the peer's PostTransactions budget is not exceeded.
func (pc *PeerCommunicator) PostTransactions(ctx context.Context, p *Peer, txns [][]byte) error {
	q := pc.txQueue(p.IP)
	q.mu.Lock()
	if wait := pc.txSpacing - time.Since(q.last); wait > 0 {
		select {
		case <-ctx.Done():
			q.mu.Unlock()
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	q.last = time.Now()
	q.mu.Unlock()

	return pc.emit(ctx, p, &wire.RPCPostTransactions{Transactions: txns}, transactionsTimeout, true)
}

// PostProposal relays a proposal to p.
func (pc *PeerCommunicator) PostProposal(ctx context.Context, p *Peer, proposal []byte) error {
	return pc.emit(ctx, p, &wire.RPCPostProposal{Proposal: proposal}, votesTimeout, true)
}

// PostPrevote relays a prevote to p.
func (pc *PeerCommunicator) PostPrevote(ctx context.Context, p *Peer, prevote []byte) error {
	return pc.emit(ctx, p, &wire.RPCPostPrevote{Prevote: prevote}, votesTimeout, true)
}

// PostPrecommit relays a precommit to p.
func (pc *PeerCommunicator) PostPrecommit(ctx context.Context, p *Peer, precommit []byte) error {
	return pc.emit(ctx, p, &wire.RPCPostPrecommit{Precommit: precommit}, votesTimeout, true)
}

// PingPorts checks which of the plugins advertised by p are reachable. The
// port of an unreachable plugin is recorded as -1.
func (pc *PeerCommunicator) PingPorts(ctx context.Context, p *Peer) {
	ctx, cancel := context.WithTimeout(ctx, pingPortsTimeout)
	defer cancel()

	var g errgroup.Group
	for name, plugin := range p.Plugins() {
		g.Go(func() error {
			p.setPort(name, -1)
			addr := net.JoinHostPort(p.IP, strconv.Itoa(int(plugin.Port)))
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, "http://"+addr+"/", nil)
			if err != nil {
				return err
			}
			resp, err := pc.http.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				p.setPort(name, int(plugin.Port))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		pc.log.Debug("plugin unreachable", zap.String("peer", p.IP), zap.Error(err))
	}
}

// isValidVersion reports whether version is a semantic version of at least
// minVersion. An empty minVersion only requires a valid version.
func isValidVersion(version, minVersion string) bool {
	v := canonicalVersion(version)
	if !semver.IsValid(v) {
		return false
	} else if minVersion == "" {
		return true
	}
	return semver.Compare(v, canonicalVersion(minVersion)) >= 0
}

func canonicalVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
