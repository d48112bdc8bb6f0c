package syncer

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/frand"
)

const (
	discoverPeersFrom = 8
	maxPeersPerPeer   = 50
	minCleansePeers   = 5
)

func shuffled[T any](s []T) []T {
	s = slices.Clone(s)
	frand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
	return s
}

// populateSeedPeers offers every seed peer to the PeerProcessor and waits
// for the results.
func (s *Syncer) populateSeedPeers(ctx context.Context) {
	var wg sync.WaitGroup
	for _, pb := range s.config.SeedPeers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.processor.ValidateAndAcceptPeer(ctx, pb, true)
		}()
	}
	wg.Wait()
}

func (s *Syncer) hasMinimumPeers() bool {
	return s.repo.Len() >= s.config.MinimumNetworkReach
}

// discoverPeers asks up to 8 random peers for their peers and offers up to
// 50 of each reply to the PeerProcessor. If we have enough peers already,
// only part of the network is re-verified. It reports whether any candidates
// were offered.
func (s *Syncer) discoverPeers(ctx context.Context, force bool) bool {
	log := s.log.Named("monitor")
	own := s.repo.Peers()

	var mu sync.Mutex
	candidates := make(map[string]wire.PeerBroadcast)
	var g errgroup.Group
	for _, p := range own[:min(len(own), discoverPeersFrom)] {
		g.Go(func() error {
			peers, err := s.comm.GetPeers(ctx, p)
			if err != nil {
				log.Debug("failed to get peers", zap.String("peer", p.IP), zap.Error(err))
				return nil
			}
			peers = shuffled(peers)
			mu.Lock()
			defer mu.Unlock()
			for _, pb := range peers[:min(len(peers), maxPeersPerPeer)] {
				candidates[pb.IP] = pb
			}
			return nil
		})
	}
	g.Wait()

	if !force && s.hasMinimumPeers() && float64(len(own)) >= float64(len(candidates))*0.75 {
		return false
	}

	var wg sync.WaitGroup
	for _, pb := range candidates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.processor.ValidateAndAcceptPeer(ctx, pb, false)
		}()
	}
	wg.Wait()
	return len(candidates) > 0
}

// discoverAPINodes asks up to 8 random peers for the API nodes they know.
func (s *Syncer) discoverAPINodes(ctx context.Context) {
	log := s.log.Named("monitor")
	peers := s.repo.Peers()

	var g errgroup.Group
	for _, p := range peers[:min(len(peers), discoverPeersFrom)] {
		g.Go(func() error {
			nodes, err := s.comm.GetAPINodes(ctx, p)
			if err != nil {
				log.Debug("failed to get api nodes", zap.String("peer", p.IP), zap.Error(err))
				return nil
			}
			for _, n := range nodes {
				if s.processor.ValidatePeerIP(n.IP, true) == nil || s.repo.HasPeer(n.IP) {
					s.repo.SetAPINode(n)
				}
			}
			return nil
		})
	}
	g.Wait()
}

// cleansePeers pings up to n random connected peers, or all of them if n is
// not positive, and disposes the ones that fail.
func (s *Syncer) cleansePeers(ctx context.Context, n int, force bool) {
	peers := s.repo.Peers()
	if n > 0 && n < len(peers) {
		peers = peers[:n]
	}

	var mu sync.Mutex
	var unresponsive int
	var g errgroup.Group
	for _, p := range peers {
		g.Go(func() error {
			if err := s.comm.Ping(ctx, p, s.config.VerifyTimeout, force); err != nil && ctx.Err() == nil {
				mu.Lock()
				unresponsive++
				mu.Unlock()
				s.disposer.DisposePeer(p.IP)
			}
			return nil
		})
	}
	g.Wait()
	s.log.Named("monitor").Debug("checked peers", zap.Int("peers", len(peers)), zap.Int("unresponsive", unresponsive))
}

// pingPeerPorts checks the plugin ports of half of the connected peers, or
// of all of them if all is set.
func (s *Syncer) pingPeerPorts(ctx context.Context, all bool) {
	peers := s.repo.Peers()
	if !all {
		peers = peers[:len(peers)/2]
	}
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.comm.PingPorts(ctx, p)
		}()
	}
	wg.Wait()
}

// updateNetworkStatus discovers and checks peers. It returns the delay until
// the next update.
func (s *Syncer) updateNetworkStatus(ctx context.Context, initial bool) time.Duration {
	log := s.log.Named("monitor")
	if s.config.DisableDiscovery {
		log.Debug("skipping peer discovery")
		return s.config.NetworkStatusInterval
	}

	if s.discoverPeers(ctx, initial) {
		s.cleansePeers(ctx, 0, false)
	}
	s.discoverAPINodes(ctx)
	s.pingPeerPorts(ctx, initial)

	if !s.hasMinimumPeers() {
		log.Info("couldn't find enough peers, falling back to seed peers", zap.Int("peers", s.repo.Len()), zap.Int("minimum", s.config.MinimumNetworkReach))
		s.populateSeedPeers(ctx)
		return s.config.NetworkStatusRetryInterval
	}
	return s.config.NetworkStatusInterval
}

// tryToDownload offers every connected peer to the downloaders. Headers
// normally trigger downloads; the sweep covers peers whose headers stopped
// arriving.
func (s *Syncer) tryToDownload() {
	s.blocks.TryToDownload()
	s.proposals.TryToDownload()
	s.messages.TryToDownload()
}

func (s *Syncer) monitorLoop(ctx context.Context) error {
	log := s.log.Named("monitor")

	s.populateSeedPeers(ctx)
	next := s.updateNetworkStatus(ctx, true)
	log.Info("network discovery complete", zap.Int("peers", s.repo.Len()), zap.Uint64("networkHeight", s.NetworkHeight()))

	status := time.NewTimer(next)
	defer status.Stop()
	download := time.NewTicker(s.config.DownloadInterval)
	defer download.Stop()
	cleanse := time.NewTicker(s.config.CleanseInterval)
	defer cleanse.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-status.C:
			status.Reset(s.updateNetworkStatus(ctx, false))
		case <-download.C:
			s.tryToDownload()
		case <-cleanse.C:
			// a random 20% of the peers, but at least 5
			s.cleansePeers(ctx, max(s.repo.Len()/5, minCleansePeers), false)
		}
	}
}

// NetworkHeight returns the median height advertised by connected peers, or
// 0 if no peer has advertised a height.
func (s *Syncer) NetworkHeight() uint64 {
	var heights []uint64
	for _, p := range s.repo.Peers() {
		if h := p.Height(); h > 0 {
			heights = append(heights, h)
		}
	}
	if len(heights) == 0 {
		return 0
	}
	slices.Sort(heights)
	return heights[len(heights)/2]
}

// A NetworkStatus is the result of comparing the chains of connected peers
// against ours.
type NetworkStatus struct {
	Forked           bool
	BlocksToRollback uint64
}

// maxRollback bounds the rollback suggested by CheckNetworkHealth.
const maxRollback = 5000

// CheckNetworkHealth re-verifies the connected peers and reports whether the
// majority of them is on a fork of our chain. The engine never rolls back by
// itself; the result is advisory.
func (s *Syncer) CheckNetworkHealth(ctx context.Context) NetworkStatus {
	log := s.log.Named("monitor")
	s.discoverPeers(ctx, true)
	s.cleansePeers(ctx, 0, true)

	var results []VerificationResult
	for _, p := range s.repo.Peers() {
		if vr, ok := p.VerificationResult(); ok {
			results = append(results, vr)
		}
	}
	if len(results) == 0 {
		log.Info("no verified peers available")
		return NetworkStatus{}
	}

	var forkHeights []uint64
	for _, vr := range results {
		if vr.Forked && !slices.Contains(forkHeights, vr.HighestCommonHeight) {
			forkHeights = append(forkHeights, vr.HighestCommonHeight)
		}
	}
	slices.Sort(forkHeights)
	slices.Reverse(forkHeights)

	last := s.cm.LastHeight()
	for _, height := range forkHeights {
		var forkPeers, ourPeers int
		ourPeers = 1 // us
		for _, vr := range results {
			if vr.Forked && vr.HighestCommonHeight == height {
				forkPeers++
			} else if vr.HighestCommonHeight > height {
				ourPeers++
			}
		}
		if forkPeers <= ourPeers {
			log.Debug("ignoring fork", zap.Uint64("height", height), zap.Int("ours", ourPeers), zap.Int("theirs", forkPeers))
			continue
		}
		rollback := min(last-min(height, last), maxRollback)
		log.Info("network is on a fork", zap.Uint64("height", height), zap.Uint64("rollback", rollback), zap.Int("ours", ourPeers), zap.Int("theirs", forkPeers))
		return NetworkStatus{Forked: true, BlocksToRollback: rollback}
	}
	return NetworkStatus{}
}
