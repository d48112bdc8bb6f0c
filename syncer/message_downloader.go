package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ArkEcosystem/mainsail-sub003/threadgroup"
	"go.uber.org/zap"
)

type roundKey struct {
	height uint64
	round  uint64
}

// roundDownloads marks the validator indexes with an outstanding request.
type roundDownloads struct {
	prevotes   []bool
	precommits []bool
}

type messageJob struct {
	peer   *Peer
	height uint64
	round  uint64
	// ahead is set if the peer was in a later round than ours
	ahead      bool
	validators int
	prevotes   []int
	precommits []int
	// votes held locally when the job was created
	localPrevotes   []bool
	localPrecommits []bool

	release sync.Once
}

// A MessageDownloader fetches the prevotes and precommits of our current
// round that we are missing. A validator index is never requested from two
// peers at the same time.
type MessageDownloader struct {
	log       *zap.Logger
	store     StateStore
	processor VoteProcessor
	source    messageSource
	repo      *PeerRepository
	disposer  *PeerDisposer
	blocks    *BlockDownloader
	header    func() Header
	metrics   *metrics
	tg        *threadgroup.ThreadGroup

	mu        sync.Mutex
	downloads map[roundKey]*roundDownloads
}

// downloadsFor returns the in-flight markers for the given round, evicting
// markers of heights that were already committed. md.mu must be held.
func (md *MessageDownloader) downloadsFor(key roundKey, validators int) *roundDownloads {
	last := md.store.LastHeight()
	for k := range md.downloads {
		if k.height <= last {
			delete(md.downloads, k)
		}
	}
	d, ok := md.downloads[key]
	if !ok {
		d = &roundDownloads{
			prevotes:   make([]bool, validators),
			precommits: make([]bool, validators),
		}
		md.downloads[key] = d
	}
	return d
}

// indexesToDownload returns the indexes to request from a peer. If the peer
// is ahead, every index we lack is requested; otherwise only the indexes the
// peer has signed.
func indexesToDownload(inflight, local, remote []bool, ahead bool) []int {
	var indexes []int
	for i := range inflight {
		if inflight[i] || (i < len(local) && local[i]) {
			continue
		} else if ahead || (i < len(remote) && remote[i]) {
			indexes = append(indexes, i)
		}
	}
	return indexes
}

// Download requests missing votes of our current round from p. It is a
// no-op while blocks are being downloaded, if p has nothing we lack, or if
// everything p could provide is already being requested from other peers.
func (md *MessageDownloader) Download(p *Peer) bool {
	if md.blocks.IsDownloading() {
		return false
	}
	local, remote := md.header(), p.Header()
	if !local.CanDownloadMessages(remote) {
		return false
	}

	validators := md.store.ActiveValidators(local.Height)
	job := &messageJob{
		peer:            p,
		height:          local.Height,
		round:           local.Round,
		ahead:           remote.Round > local.Round,
		validators:      validators,
		localPrevotes:   local.ValidatorsSignedPrevote,
		localPrecommits: local.ValidatorsSignedPrecommit,
	}

	md.mu.Lock()
	d := md.downloadsFor(roundKey{job.height, job.round}, validators)
	job.prevotes = indexesToDownload(d.prevotes, local.ValidatorsSignedPrevote, remote.ValidatorsSignedPrevote, job.ahead)
	job.precommits = indexesToDownload(d.precommits, local.ValidatorsSignedPrecommit, remote.ValidatorsSignedPrecommit, job.ahead)
	if len(job.prevotes) == 0 && len(job.precommits) == 0 {
		md.mu.Unlock()
		return false
	}
	for _, i := range job.prevotes {
		d.prevotes[i] = true
	}
	for _, i := range job.precommits {
		d.precommits[i] = true
	}
	md.mu.Unlock()

	go func() {
		ctx, done, err := md.tg.AddContext(context.Background())
		if err != nil {
			md.releaseJob(job)
			return
		}
		defer done()
		md.download(ctx, job)
	}()
	return true
}

// TryToDownload offers every connected peer, in random order, to Download.
func (md *MessageDownloader) TryToDownload() {
	for _, p := range md.repo.Peers() {
		md.Download(p)
	}
}

// releaseJob clears the in-flight markers of job. It is safe to call more
// than once.
func (md *MessageDownloader) releaseJob(job *messageJob) {
	job.release.Do(func() {
		md.mu.Lock()
		defer md.mu.Unlock()
		d, ok := md.downloads[roundKey{job.height, job.round}]
		if !ok {
			return
		}
		for _, i := range job.prevotes {
			d.prevotes[i] = false
		}
		for _, i := range job.precommits {
			d.precommits[i] = false
		}
	})
}

func (md *MessageDownloader) download(ctx context.Context, job *messageJob) {
	log := md.log.With(zap.String("peer", job.peer.IP), zap.Uint64("height", job.height), zap.Uint64("round", job.round))
	log.Debug("downloading messages", zap.Int("prevotes", len(job.prevotes)), zap.Int("precommits", len(job.precommits)), zap.Bool("ahead", job.ahead))

	prevotes, precommits, err := md.source.GetMessages(ctx, job.peer)
	if err == nil {
		err = md.processMessages(job, prevotes, precommits)
	}
	md.releaseJob(job)
	if err == nil || ctx.Err() != nil {
		return
	}

	log.Debug("failed to download messages", zap.Error(err))
	md.disposer.BanPeer(job.peer.IP, err, true)
	md.TryToDownload()
}

// processMessages hands the received votes to the vote processor and checks
// that the reply contains what was requested.
func (md *MessageDownloader) processMessages(job *messageJob, prevotes, precommits [][]byte) error {
	receivedPrevotes := make(map[int]bool)
	for _, buf := range prevotes {
		v, err := md.processor.DecodePrevote(buf)
		if err != nil {
			return newProtocolError(job.peer.IP, fmt.Errorf("failed to decode prevote: %w", err))
		} else if err := job.check(v); err != nil {
			return newProtocolError(job.peer.IP, fmt.Errorf("invalid prevote: %w", err))
		} else if err := md.processor.ProcessPrevote(v); err != nil {
			return newProtocolError(job.peer.IP, fmt.Errorf("failed to process prevote: %w", err))
		}
		receivedPrevotes[v.ValidatorIndex()] = true
		md.metrics.messagesReceived.WithLabelValues("prevote").Inc()
	}
	receivedPrecommits := make(map[int]bool)
	for _, buf := range precommits {
		v, err := md.processor.DecodePrecommit(buf)
		if err != nil {
			return newProtocolError(job.peer.IP, fmt.Errorf("failed to decode precommit: %w", err))
		} else if err := job.check(v); err != nil {
			return newProtocolError(job.peer.IP, fmt.Errorf("invalid precommit: %w", err))
		} else if err := md.processor.ProcessPrecommit(v); err != nil {
			return newProtocolError(job.peer.IP, fmt.Errorf("failed to process precommit: %w", err))
		}
		receivedPrecommits[v.ValidatorIndex()] = true
		md.metrics.messagesReceived.WithLabelValues("precommit").Inc()
	}

	if job.ahead {
		threshold := job.validators*2/3 + 1
		if countSigned(receivedPrevotes, job.localPrevotes) < threshold || countSigned(receivedPrecommits, job.localPrecommits) < threshold {
			return newProtocolError(job.peer.IP, errors.New("insufficient messages from peer in later round"))
		}
		return nil
	}
	for _, i := range job.prevotes {
		if !receivedPrevotes[i] {
			return newProtocolError(job.peer.IP, fmt.Errorf("missing prevote %d", i))
		}
	}
	for _, i := range job.precommits {
		if !receivedPrecommits[i] {
			return newProtocolError(job.peer.IP, fmt.Errorf("missing precommit %d", i))
		}
	}
	return nil
}

func (job *messageJob) check(v Vote) error {
	if v.Height() != job.height || v.Round() != job.round {
		return fmt.Errorf("expected height %d round %d, got height %d round %d", job.height, job.round, v.Height(), v.Round())
	} else if i := v.ValidatorIndex(); i < 0 || i >= job.validators {
		return fmt.Errorf("validator index %d out of range", i)
	}
	return nil
}

// countSigned returns the number of validators in received or local.
func countSigned(received map[int]bool, local []bool) int {
	n := len(received)
	for i, signed := range local {
		if signed && !received[i] {
			n++
		}
	}
	return n
}
