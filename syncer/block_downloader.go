package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ArkEcosystem/mainsail-sub003/threadgroup"
	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"go.uber.org/zap"
	"lukechampine.com/frand"
)

// MaxDownloadBlocksJobs is the maximum number of queued block download jobs.
const MaxDownloadBlocksJobs = 10

type blockJobStatus int

const (
	jobDownloading blockJobStatus = iota
	jobReadyToProcess
	jobProcessing
)

func (s blockJobStatus) String() string {
	switch s {
	case jobDownloading:
		return "downloading"
	case jobReadyToProcess:
		return "ready"
	case jobProcessing:
		return "processing"
	default:
		return fmt.Sprintf("blockJobStatus(%d)", int(s))
	}
}

// A blockJob downloads the blocks [heightFrom, heightTo] from a single peer.
// Reassigning a job replaces it with a new one; the id of the replaced job is
// never reused, so late results of the old job are discarded.
type blockJob struct {
	id         uint64
	peer       *Peer
	heightFrom uint64
	heightTo   uint64
	blocks     [][]byte
	status     blockJobStatus
}

func (j *blockJob) limit() int { return int(j.heightTo - j.heightFrom + 1) }

// A BlockDownloader downloads committed blocks from peers that are ahead of
// us and applies them in height order.
//
// Jobs form a sequence of contiguous, ascending ranges of at most
// wire.MaxDownloadBlocks blocks each. Downloads run concurrently, but only
// the front job is ever processed.
type BlockDownloader struct {
	log             *zap.Logger
	store           StateStore
	processor       CommittedBlockProcessor
	source          blockSource
	repo            *PeerRepository
	disposer        *PeerDisposer
	metrics         *metrics
	tg              *threadgroup.ThreadGroup
	maxBlockPayload int

	mu     sync.Mutex
	nextID uint64
	jobs   []*blockJob
}

// lastRequestedHeight returns the height of the last block requested, or our
// last height if no jobs are queued. bd.mu must be held.
func (bd *BlockDownloader) lastRequestedHeight() uint64 {
	if len(bd.jobs) == 0 {
		return bd.store.LastHeight()
	}
	return bd.jobs[len(bd.jobs)-1].heightTo
}

// indexOf returns the index of the job with the given id, or -1. bd.mu must
// be held.
func (bd *BlockDownloader) indexOf(id uint64) int {
	for i, j := range bd.jobs {
		if j.id == id {
			return i
		}
	}
	return -1
}

func (bd *BlockDownloader) newJob(p *Peer, from, to uint64) *blockJob {
	bd.nextID++
	return &blockJob{
		id:         bd.nextID,
		peer:       p,
		heightFrom: from,
		heightTo:   to,
		status:     jobDownloading,
	}
}

func (bd *BlockDownloader) updateMetrics() {
	bd.metrics.blockJobs.Set(float64(len(bd.jobs)))
}

// IsDownloading reports whether any block jobs are queued.
func (bd *BlockDownloader) IsDownloading() bool {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return len(bd.jobs) > 0
}

// Download queues a job for the blocks following the last requested height,
// up to the height advertised by p. It is a no-op if p is not ahead of the
// last requested height or the job sequence is full.
func (bd *BlockDownloader) Download(p *Peer) bool {
	bd.mu.Lock()
	// the consensus height of a peer is one above its last committed block
	peerHeight := p.Height()
	last := bd.lastRequestedHeight()
	if peerHeight == 0 || peerHeight-1 <= last || len(bd.jobs) >= MaxDownloadBlocksJobs {
		bd.mu.Unlock()
		return false
	}
	job := bd.newJob(p, last+1, min(last+wire.MaxDownloadBlocks, peerHeight-1))
	bd.jobs = append(bd.jobs, job)
	bd.updateMetrics()
	bd.mu.Unlock()

	bd.start(job)
	return true
}

// TryToDownload queues jobs against random peers until no peer is ahead of
// the last requested height or the job sequence is full.
func (bd *BlockDownloader) TryToDownload() {
	for {
		bd.mu.Lock()
		last, full := bd.lastRequestedHeight(), len(bd.jobs) >= MaxDownloadBlocksJobs
		bd.mu.Unlock()
		if full {
			return
		}

		var peers []*Peer
		for _, p := range bd.repo.Peers() {
			if h := p.Height(); h > 0 && h-1 > last {
				peers = append(peers, p)
			}
		}
		if len(peers) == 0 || !bd.Download(peers[frand.Intn(len(peers))]) {
			return
		}
	}
}

func (bd *BlockDownloader) start(job *blockJob) {
	go func() {
		ctx, done, err := bd.tg.AddContext(context.Background())
		if err != nil {
			return
		}
		defer done()
		bd.download(ctx, job)
	}()
}

func (bd *BlockDownloader) download(ctx context.Context, job *blockJob) {
	log := bd.log.With(zap.String("peer", job.peer.IP), zap.Uint64("from", job.heightFrom), zap.Uint64("to", job.heightTo))
	log.Debug("downloading blocks")

	blocks, err := bd.source.GetBlocks(ctx, job.peer, job.heightFrom, job.limit())
	if ctx.Err() != nil {
		return
	}

	bd.mu.Lock()
	if bd.indexOf(job.id) == -1 {
		bd.mu.Unlock()
		log.Debug("discarding result of removed job")
		return
	} else if err == nil {
		if len(blocks) > job.limit() {
			blocks = blocks[:job.limit()]
		}
		job.blocks = blocks
		job.status = jobReadyToProcess
	}
	bd.mu.Unlock()

	if err != nil {
		log.Debug("failed to download blocks", zap.Error(err))
		bd.failJob(job, err)
	}
	bd.processNextJob()
}

// processNextJob processes the front job if it is ready. Processing happens
// on the calling goroutine.
func (bd *BlockDownloader) processNextJob() {
	for {
		bd.mu.Lock()
		if len(bd.jobs) == 0 || bd.jobs[0].status != jobReadyToProcess {
			bd.mu.Unlock()
			return
		}
		job := bd.jobs[0]
		job.status = jobProcessing
		bd.mu.Unlock()

		log := bd.log.With(zap.String("peer", job.peer.IP), zap.Uint64("from", job.heightFrom), zap.Uint64("to", job.heightTo))
		log.Debug("processing blocks", zap.Int("blocks", len(job.blocks)))
		if err := bd.processBlocks(job); err != nil {
			log.Debug("failed to process blocks", zap.Error(err))
			bd.failJob(job, newProtocolError(job.peer.IP, err))
			return
		} else if last := bd.store.LastHeight(); last < job.heightTo {
			log.Debug("peer sent fewer blocks than requested", zap.Uint64("lastHeight", last))
			bd.missingBlocks(job)
			return
		}

		bd.mu.Lock()
		if i := bd.indexOf(job.id); i == 0 {
			bd.jobs[0] = nil
			bd.jobs = bd.jobs[1:]
		}
		bd.updateMetrics()
		bd.mu.Unlock()
	}
}

// processBlocks applies the blocks of job in height order. Blocks are
// applied in batches that end at the boundary of a validator round, since
// the validator set may change between rounds; the signatures of a batch are
// verified before any block of it is applied.
func (bd *BlockDownloader) processBlocks(job *blockJob) error {
	bufs := job.blocks
	for len(bufs) > 0 {
		next := bd.store.LastHeight() + 1
		n := uint64(max(bd.store.ActiveValidators(next), 1))
		roundEnd := ((next-1)/n + 1) * n

		var batch []CommittedBlock
		for len(bufs) > 0 && next+uint64(len(batch)) <= roundEnd {
			b, err := bd.processor.DecodeCommittedBlock(bufs[0])
			if err != nil {
				return fmt.Errorf("failed to decode block: %w", err)
			}
			bufs = bufs[1:]
			if b.Height() < next {
				continue // already applied
			} else if want := next + uint64(len(batch)); b.Height() != want {
				return fmt.Errorf("expected block at height %d, got %d", want, b.Height())
			}
			batch = append(batch, b)
		}

		for _, b := range batch {
			if !bd.processor.HasValidSignature(b) {
				return fmt.Errorf("block at height %d has an invalid signature", b.Height())
			}
		}
		for _, b := range batch {
			if err := bd.processor.ProcessCommittedBlock(b); err != nil {
				return fmt.Errorf("failed to process block at height %d: %w", b.Height(), err)
			}
			bd.metrics.blocksDownloaded.Inc()
		}
	}
	return nil
}

// missingBlocks handles a job whose peer sent fewer blocks than requested.
// The peer is banned unless its reply was limited by the payload size.
func (bd *BlockDownloader) missingBlocks(job *blockJob) {
	var size int
	for _, b := range job.blocks {
		size += len(b)
	}
	if size+bd.maxBlockPayload < wire.DefaultMaxPayload {
		bd.disposer.BanPeer(job.peer.IP, newProtocolError(job.peer.IP, errors.New("missing blocks")), true)
	}
	bd.reassign(job)
}

// failJob penalizes the peer of job and reassigns the job.
func (bd *BlockDownloader) failJob(job *blockJob, err error) {
	bd.disposer.BanPeer(job.peer.IP, err, true)
	bd.reassign(job)
}

// reassign restarts job against a random peer whose height covers the job.
// If there is no such peer, the job and all following jobs are dropped.
func (bd *BlockDownloader) reassign(job *blockJob) {
	bd.mu.Lock()
	index := bd.indexOf(job.id)
	if index == -1 {
		bd.mu.Unlock()
		return
	}

	var peers []*Peer
	for _, p := range bd.repo.Peers() {
		if h := p.Height(); h > 0 && h-1 >= job.heightTo {
			peers = append(peers, p)
		}
	}
	if len(peers) == 0 {
		dropped := len(bd.jobs) - index
		for i := index; i < len(bd.jobs); i++ {
			bd.jobs[i] = nil
		}
		bd.jobs = bd.jobs[:index]
		bd.updateMetrics()
		bd.mu.Unlock()
		bd.log.Warn("no peers available for block range, dropping jobs", zap.Uint64("from", job.heightFrom), zap.Uint64("to", job.heightTo), zap.Int("dropped", dropped))
		return
	}

	p := peers[frand.Intn(len(peers))]
	from, to := job.heightFrom, job.heightTo
	if index == 0 {
		from = bd.store.LastHeight() + 1
	}
	if len(bd.jobs) == 1 {
		to = min(from-1+wire.MaxDownloadBlocks, p.Height()-1)
	}
	if from > to {
		// the range was applied by other means in the meantime
		bd.jobs = append(bd.jobs[:index], bd.jobs[index+1:]...)
		bd.updateMetrics()
		bd.mu.Unlock()
		bd.processNextJob()
		return
	}
	next := bd.newJob(p, from, to)
	bd.jobs[index] = next
	bd.mu.Unlock()

	bd.log.Debug("reassigned block job", zap.String("from", job.peer.IP), zap.String("to", p.IP), zap.Uint64("heightFrom", from), zap.Uint64("heightTo", to))
	bd.start(next)
}
