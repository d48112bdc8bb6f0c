package syncer

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"go.uber.org/zap/zaptest"
)

func newTestMessageDownloader(t *testing.T, fc *fakeChain, source messageSource, repo *PeerRepository, disposer *PeerDisposer, local Header) *MessageDownloader {
	bd := newTestBlockDownloader(t, fc, blockSourceFunc(func(context.Context, *Peer, uint64, int) ([][]byte, error) {
		return nil, errors.New("unexpected block request")
	}), repo, disposer)
	return &MessageDownloader{
		log:       zaptest.NewLogger(t).Named("messages"),
		store:     fc,
		processor: fc,
		source:    source,
		repo:      repo,
		disposer:  disposer,
		blocks:    bd,
		header:    func() Header { return local },
		metrics:   disposer.metrics,
		tg:        bd.tg,
		downloads: make(map[roundKey]*roundDownloads),
	}
}

// inflight returns a copy of the in-flight markers of the given round.
func inflight(md *MessageDownloader, height, round uint64) (prevotes, precommits []bool) {
	md.mu.Lock()
	defer md.mu.Unlock()
	d, ok := md.downloads[roundKey{height, round}]
	if !ok {
		return nil, nil
	}
	return slices.Clone(d.prevotes), slices.Clone(d.precommits)
}

func votes(height, round uint64, indexes ...int) [][]byte {
	var bufs [][]byte
	for _, i := range indexes {
		bufs = append(bufs, encodeFakeVote(height, round, i))
	}
	return bufs
}

func TestMessageDownloaderSameRound(t *testing.T) {
	fc := newFakeChain(4, 4)
	repo := NewPeerRepository()
	disposer, bans := newTestDisposer(t, repo, time.Minute)
	local := Header{Header: wire.Header{
		Height:                    5,
		Round:                     2,
		ValidatorsSignedPrevote:   []bool{true, false, false, false},
		ValidatorsSignedPrecommit: []bool{false, false, false, false},
	}}
	a := addTestPeer(repo, "1.1.1.1", wire.Header{Height: 5, Round: 2, ValidatorsSignedPrevote: []bool{false, true, true, false}})
	b := addTestPeer(repo, "2.2.2.2", wire.Header{Height: 5, Round: 2, ValidatorsSignedPrevote: []bool{false, false, true, true}})

	replies := map[string]chan [][]byte{
		a.IP: make(chan [][]byte),
		b.IP: make(chan [][]byte),
	}
	md := newTestMessageDownloader(t, fc, messageSourceFunc(func(ctx context.Context, p *Peer) ([][]byte, [][]byte, error) {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case prevotes := <-replies[p.IP]:
			return prevotes, nil, nil
		}
	}), repo, disposer, local)

	if !md.Download(a) {
		t.Fatal("expected download from a")
	} else if prevotes, _ := inflight(md, 5, 2); !slices.Equal(prevotes, []bool{false, true, true, false}) {
		t.Fatalf("expected prevotes 1 and 2 to be in flight, got %v", prevotes)
	}

	// b only has prevote 3 left to offer
	if !md.Download(b) {
		t.Fatal("expected download from b")
	} else if prevotes, _ := inflight(md, 5, 2); !slices.Equal(prevotes, []bool{false, true, true, true}) {
		t.Fatalf("expected prevotes 1-3 to be in flight, got %v", prevotes)
	}

	// nothing left to request from either peer
	if md.Download(a) || md.Download(b) {
		t.Fatal("expected no download while all indexes are in flight")
	}

	replies[a.IP] <- votes(5, 2, 1, 2)
	replies[b.IP] <- votes(5, 2, 2, 3)
	waitFor(t, "votes to be processed", func() bool {
		prevotes, _ := inflight(md, 5, 2)
		return fc.Prevotes() == 3 && !slices.Contains(prevotes, true)
	})
	if bans.Calls() != 0 {
		t.Fatal("expected no bans")
	}
}

func TestMessageDownloaderAhead(t *testing.T) {
	fc := newFakeChain(4, 4)
	repo := NewPeerRepository()
	disposer, bans := newTestDisposer(t, repo, time.Minute)
	local := Header{Header: wire.Header{
		Height:                    5,
		Round:                     2,
		ValidatorsSignedPrevote:   []bool{true, false, false, false},
		ValidatorsSignedPrecommit: []bool{false, false, false, false},
	}}
	a := addTestPeer(repo, "1.1.1.1", wire.Header{Height: 5, Round: 3, ValidatorsSignedPrevote: []bool{false, true, true, false}})
	b := addTestPeer(repo, "2.2.2.2", wire.Header{Height: 5, Round: 3, ValidatorsSignedPrevote: []bool{false, false, true, true}})

	reply := make(chan struct{})
	md := newTestMessageDownloader(t, fc, messageSourceFunc(func(ctx context.Context, p *Peer) ([][]byte, [][]byte, error) {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-reply:
		}
		return votes(5, 2, 1, 2, 3), votes(5, 2, 0, 1, 2), nil
	}), repo, disposer, local)

	// a peer in a later round is asked for every vote we lack
	if !md.Download(a) {
		t.Fatal("expected download from a")
	}
	prevotes, precommits := inflight(md, 5, 2)
	if !slices.Equal(prevotes, []bool{false, true, true, true}) {
		t.Fatalf("expected prevotes 1-3 to be in flight, got %v", prevotes)
	} else if !slices.Equal(precommits, []bool{true, true, true, true}) {
		t.Fatalf("expected all precommits to be in flight, got %v", precommits)
	} else if md.Download(b) {
		t.Fatal("expected no download from b while its indexes are in flight")
	}

	close(reply)
	waitFor(t, "votes to be processed", func() bool {
		prevotes, precommits := inflight(md, 5, 2)
		return fc.Prevotes() == 3 && !slices.Contains(prevotes, true) && !slices.Contains(precommits, true)
	})
	if bans.Calls() != 0 || !repo.HasPeer(a.IP) {
		t.Fatal("expected peer to remain connected")
	}
}

func TestMessageDownloaderInvalidReply(t *testing.T) {
	tests := []struct {
		name     string
		round    uint64
		prevotes [][]byte
	}{
		{"incomplete", 2, votes(5, 2, 1)},
		{"wrong round", 2, votes(5, 1, 1, 2)},
		{"index out of range", 2, votes(5, 2, 1, 2, 7)},
		{"insufficient", 3, votes(5, 2, 1)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fc := newFakeChain(4, 4)
			repo := NewPeerRepository()
			disposer, _ := newTestDisposer(t, repo, time.Minute)
			local := Header{Header: wire.Header{
				Height:                    5,
				Round:                     2,
				ValidatorsSignedPrevote:   make([]bool, 4),
				ValidatorsSignedPrecommit: make([]bool, 4),
			}}
			p := addTestPeer(repo, "1.1.1.1", wire.Header{Height: 5, Round: test.round, ValidatorsSignedPrevote: []bool{false, true, true, false}})

			md := newTestMessageDownloader(t, fc, messageSourceFunc(func(context.Context, *Peer) ([][]byte, [][]byte, error) {
				return test.prevotes, nil, nil
			}), repo, disposer, local)

			if !md.Download(p) {
				t.Fatal("expected download to start")
			}
			waitFor(t, "peer to be banned", func() bool { return disposer.IsBanned(p.IP) })
			waitFor(t, "markers to be cleared", func() bool {
				prevotes, precommits := inflight(md, 5, 2)
				return !slices.Contains(prevotes, true) && !slices.Contains(precommits, true)
			})
			if repo.HasPeer(p.IP) {
				t.Fatal("expected peer to be removed")
			}
		})
	}
}

func TestMessageDownloaderWaitsForBlocks(t *testing.T) {
	fc := newFakeChain(4, 4)
	repo := NewPeerRepository()
	disposer, _ := newTestDisposer(t, repo, time.Minute)
	local := Header{Header: wire.Header{Height: 5, Round: 2}}
	p := addTestPeer(repo, "1.1.1.1", wire.Header{Height: 5, Round: 3})

	md := newTestMessageDownloader(t, fc, messageSourceFunc(func(context.Context, *Peer) ([][]byte, [][]byte, error) {
		return nil, nil, errors.New("unexpected message request")
	}), repo, disposer, local)

	md.blocks.mu.Lock()
	md.blocks.jobs = append(md.blocks.jobs, &blockJob{})
	md.blocks.mu.Unlock()

	if md.Download(p) {
		t.Fatal("expected no download while blocks are being downloaded")
	}
}
