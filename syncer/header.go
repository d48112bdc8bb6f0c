package syncer

import (
	"sync"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"go.uber.org/zap"
)

// CheckHeaderDelay is the delay between receiving a peer's header and
// offering the peer to the downloaders. Headers received in the meantime
// only update the peer.
const CheckHeaderDelay = 300 * time.Millisecond

// A RoundState is a snapshot of the consensus engine's current round.
type RoundState struct {
	Height uint64
	Round  uint64
	Step   uint8
	// Prevotes and Precommits mark, for each active validator index,
	// whether the vote for the current round is held locally.
	Prevotes    []bool
	Precommits  []bool
	HasProposal bool
}

// A Header is a snapshot of the local sync state, compared against the
// headers of remote peers to decide what can be downloaded from them.
type Header struct {
	wire.Header
	HasProposal bool
}

// NewHeader returns the local header for the given round state.
func NewHeader(version string, rs RoundState) Header {
	return Header{
		Header: wire.Header{
			Version:                   version,
			Height:                    rs.Height,
			Round:                     rs.Round,
			Step:                      rs.Step,
			ValidatorsSignedPrevote:   append([]bool(nil), rs.Prevotes...),
			ValidatorsSignedPrecommit: append([]bool(nil), rs.Precommits...),
		},
		HasProposal: rs.HasProposal,
	}
}

// CanDownloadBlocks reports whether remote has committed blocks we lack.
func (h Header) CanDownloadBlocks(remote wire.Header) bool {
	return remote.Height > h.Height
}

// CanDownloadProposal reports whether remote may hold the proposal for our
// current round.
func (h Header) CanDownloadProposal(remote wire.Header) bool {
	return remote.Height == h.Height && remote.Round >= h.Round && !h.HasProposal
}

// CanDownloadMessages reports whether remote may hold votes for our current
// round that we lack.
func (h Header) CanDownloadMessages(remote wire.Header) bool {
	if remote.Height != h.Height {
		return false
	} else if remote.Round > h.Round {
		return true
	} else if remote.Round < h.Round {
		return false
	}
	return missing(remote.ValidatorsSignedPrevote, h.ValidatorsSignedPrevote) ||
		missing(remote.ValidatorsSignedPrecommit, h.ValidatorsSignedPrecommit)
}

// missing reports whether remote has an index set that local does not.
func missing(remote, local []bool) bool {
	for i, signed := range remote {
		if signed && (i >= len(local) || !local[i]) {
			return true
		}
	}
	return false
}

// A Downloader fetches data from peers.
type Downloader interface {
	// Download starts a download from p if p is eligible. It reports
	// whether a download was started.
	Download(p *Peer) bool
	// TryToDownload offers every connected peer to Download.
	TryToDownload()
}

// A HeaderService records the headers received from peers and, after
// CheckHeaderDelay, offers the peers to the downloaders.
type HeaderService struct {
	log         *zap.Logger
	repo        *PeerRepository
	delay       time.Duration
	downloaders []Downloader

	mu      sync.Mutex
	closed  bool
	pending map[string]*time.Timer
}

// Handle stores h on p and schedules a check of p, unless one is already
// scheduled.
func (hs *HeaderService) Handle(p *Peer, h wire.Header) {
	p.setHeader(h)

	hs.mu.Lock()
	defer hs.mu.Unlock()
	if _, ok := hs.pending[p.IP]; ok || hs.closed {
		return
	}
	hs.pending[p.IP] = time.AfterFunc(hs.delay, func() { hs.check(p) })
}

func (hs *HeaderService) check(p *Peer) {
	hs.mu.Lock()
	delete(hs.pending, p.IP)
	closed := hs.closed
	hs.mu.Unlock()

	if closed {
		return
	} else if cur, ok := hs.repo.Peer(p.IP); !ok || cur != p {
		return
	}
	for _, d := range hs.downloaders {
		d.Download(p)
	}
}

// Close cancels all scheduled checks.
func (hs *HeaderService) Close() {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.closed = true
	for ip, t := range hs.pending {
		t.Stop()
		delete(hs.pending, ip)
	}
}

// NewHeaderService returns a HeaderService that offers peers to the given
// downloaders.
func NewHeaderService(repo *PeerRepository, log *zap.Logger, downloaders ...Downloader) *HeaderService {
	return &HeaderService{
		log:         log,
		repo:        repo,
		delay:       CheckHeaderDelay,
		downloaders: downloaders,
		pending:     make(map[string]*time.Timer),
	}
}
