package syncer

import (
	"context"
	"fmt"
	"sync"

	"github.com/ArkEcosystem/mainsail-sub003/threadgroup"
	"go.uber.org/zap"
)

// A ProposalDownloader fetches the proposal of our current round from peers
// at the same height. At most one fetch per height is in flight.
type ProposalDownloader struct {
	log       *zap.Logger
	processor ProposalProcessor
	source    proposalSource
	repo      *PeerRepository
	disposer  *PeerDisposer
	blocks    *BlockDownloader
	header    func() Header
	metrics   *metrics
	tg        *threadgroup.ThreadGroup

	mu       sync.Mutex
	inflight map[uint64]struct{}
}

// Download fetches the proposal from p. It is a no-op while blocks are being
// downloaded, if p cannot provide our proposal, or if a fetch for the same
// height is in flight.
func (pd *ProposalDownloader) Download(p *Peer) bool {
	if pd.blocks.IsDownloading() {
		return false
	}
	local, remote := pd.header(), p.Header()
	if !local.CanDownloadProposal(remote) {
		return false
	}

	height := remote.Height
	pd.mu.Lock()
	if _, ok := pd.inflight[height]; ok {
		pd.mu.Unlock()
		return false
	}
	pd.inflight[height] = struct{}{}
	pd.mu.Unlock()

	go func() {
		ctx, done, err := pd.tg.AddContext(context.Background())
		if err != nil {
			pd.release(height)
			return
		}
		defer done()
		pd.download(ctx, p, local)
	}()
	return true
}

// TryToDownload offers every connected peer, in random order, to Download.
func (pd *ProposalDownloader) TryToDownload() {
	for _, p := range pd.repo.Peers() {
		pd.Download(p)
	}
}

func (pd *ProposalDownloader) release(height uint64) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	delete(pd.inflight, height)
}

func (pd *ProposalDownloader) download(ctx context.Context, p *Peer, local Header) {
	log := pd.log.With(zap.String("peer", p.IP), zap.Uint64("height", local.Height), zap.Uint64("round", local.Round))
	log.Debug("downloading proposal")

	err := func() error {
		buf, err := pd.source.GetProposal(ctx, p)
		if err != nil {
			return err
		} else if len(buf) == 0 {
			return nil // peer has no proposal yet
		}
		proposal, err := pd.processor.DecodeProposal(buf)
		if err != nil {
			return newProtocolError(p.IP, fmt.Errorf("failed to decode proposal: %w", err))
		} else if proposal.Height() != local.Height {
			return newProtocolError(p.IP, fmt.Errorf("expected proposal for height %d, got %d", local.Height, proposal.Height()))
		} else if err := pd.processor.ProcessProposal(proposal); err != nil {
			return newProtocolError(p.IP, fmt.Errorf("failed to process proposal: %w", err))
		}
		pd.metrics.proposals.Inc()
		return nil
	}()
	pd.release(local.Height)
	if err == nil || ctx.Err() != nil {
		return
	}

	log.Debug("failed to download proposal", zap.Error(err))
	pd.disposer.BanPeer(p.IP, err, true)
	pd.TryToDownload()
}
