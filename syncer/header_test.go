package syncer

import (
	"sync"
	"testing"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"go.uber.org/zap/zaptest"
)

func TestHeaderCanDownload(t *testing.T) {
	local := NewHeader("1.0.0", RoundState{
		Height:     10,
		Round:      2,
		Prevotes:   []bool{true, false, true},
		Precommits: []bool{false, false, false},
	})

	tests := []struct {
		name     string
		remote   wire.Header
		blocks   bool
		proposal bool
		messages bool
	}{
		{"behind", wire.Header{Height: 9, Round: 5}, false, false, false},
		{"ahead", wire.Header{Height: 11}, true, false, false},
		{"earlier round", wire.Header{Height: 10, Round: 1, ValidatorsSignedPrevote: []bool{true, true, true}}, false, false, false},
		{"same round, nothing new", wire.Header{Height: 10, Round: 2, ValidatorsSignedPrevote: []bool{true, false, true}}, false, true, false},
		{"same round, new prevote", wire.Header{Height: 10, Round: 2, ValidatorsSignedPrevote: []bool{false, true, false}}, false, true, true},
		{"same round, new precommit", wire.Header{Height: 10, Round: 2, ValidatorsSignedPrecommit: []bool{false, false, true}}, false, true, true},
		{"later round", wire.Header{Height: 10, Round: 3}, false, true, true},
	}
	for _, test := range tests {
		if got := local.CanDownloadBlocks(test.remote); got != test.blocks {
			t.Errorf("%s: expected CanDownloadBlocks=%v, got %v", test.name, test.blocks, got)
		}
		if got := local.CanDownloadProposal(test.remote); got != test.proposal {
			t.Errorf("%s: expected CanDownloadProposal=%v, got %v", test.name, test.proposal, got)
		}
		if got := local.CanDownloadMessages(test.remote); got != test.messages {
			t.Errorf("%s: expected CanDownloadMessages=%v, got %v", test.name, test.messages, got)
		}
	}

	local.HasProposal = true
	if local.CanDownloadProposal(wire.Header{Height: 10, Round: 2}) {
		t.Fatal("expected no proposal download when the proposal is held")
	}
}

func TestNewHeaderCopiesBitmaps(t *testing.T) {
	rs := RoundState{Height: 1, Prevotes: []bool{false}, Precommits: []bool{false}}
	h := NewHeader("1.0.0", rs)
	rs.Prevotes[0], rs.Precommits[0] = true, true
	if h.ValidatorsSignedPrevote[0] || h.ValidatorsSignedPrecommit[0] {
		t.Fatal("expected header to own its bitmaps")
	}
}

type countingDownloader struct {
	mu    sync.Mutex
	calls map[string]int
}

func (cd *countingDownloader) Download(p *Peer) bool {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	cd.calls[p.IP]++
	return true
}

func (cd *countingDownloader) TryToDownload() {}

func (cd *countingDownloader) Calls(ip string) int {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.calls[ip]
}

func TestHeaderService(t *testing.T) {
	repo := NewPeerRepository()
	cd := &countingDownloader{calls: make(map[string]int)}
	hs := NewHeaderService(repo, zaptest.NewLogger(t), cd)
	hs.delay = 50 * time.Millisecond
	defer hs.Close()

	p := addTestPeer(repo, "1.1.1.1", wire.Header{Height: 1})
	for i := range 5 {
		hs.Handle(p, wire.Header{Height: uint64(i + 2)})
	}
	if p.Height() != 6 {
		t.Fatalf("expected latest header to be stored, got height %d", p.Height())
	}
	waitFor(t, "peer to be checked", func() bool { return cd.Calls(p.IP) == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := cd.Calls(p.IP); n != 1 {
		t.Fatalf("expected headers to be coalesced into 1 check, got %d", n)
	}

	// removed peers are not offered to the downloaders
	gone := addTestPeer(repo, "2.2.2.2", wire.Header{Height: 1})
	hs.Handle(gone, wire.Header{Height: 2})
	repo.ForgetPeer(gone.IP)
	time.Sleep(100 * time.Millisecond)
	if cd.Calls(gone.IP) != 0 {
		t.Fatal("expected removed peer to not be checked")
	}

	// no checks after Close
	hs.Handle(p, wire.Header{Height: 7})
	hs.Close()
	time.Sleep(100 * time.Millisecond)
	if n := cd.Calls(p.IP); n != 1 {
		t.Fatalf("expected no checks after close, got %d", n)
	}
}
