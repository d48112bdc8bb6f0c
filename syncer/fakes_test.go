package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/threadgroup"
	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type memBanStore struct {
	mu    sync.Mutex
	bans  map[string]time.Time
	calls int
}

func (bs *memBanStore) Ban(ip string, until time.Time, reason string) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.bans[ip] = until
	bs.calls++
	return nil
}

func (bs *memBanStore) Banned(ip string) (bool, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	until, ok := bs.bans[ip]
	if ok && time.Now().After(until) {
		delete(bs.bans, ip)
		return false, nil
	}
	return ok, nil
}

func (bs *memBanStore) Calls() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.calls
}

func newMemBanStore() *memBanStore {
	return &memBanStore{bans: make(map[string]time.Time)}
}

func newTestDisposer(t *testing.T, repo *PeerRepository, banTime time.Duration) (*PeerDisposer, *memBanStore) {
	bans := newMemBanStore()
	return &PeerDisposer{
		log:       zaptest.NewLogger(t).Named("disposer"),
		repo:      repo,
		connector: NewPeerConnector(0, nil, zap.NewNop()),
		bans:      bans,
		banTime:   banTime,
		metrics:   newMetrics(nil, nil),
	}, bans
}

// addTestPeer adds a connected peer advertising the given header.
func addTestPeer(repo *PeerRepository, ip string, h wire.Header) *Peer {
	p := NewPeer(wire.PeerBroadcast{IP: ip, Port: 4000})
	p.setHeader(h)
	repo.SetPeer(p)
	return p
}

type fakeBlock struct {
	height uint64
	valid  bool
}

func (b fakeBlock) Height() uint64 { return b.height }

func encodeFakeBlock(height uint64) []byte {
	return []byte(strconv.FormatUint(height, 10))
}

func encodeInvalidFakeBlock(height uint64) []byte {
	return []byte("x" + strconv.FormatUint(height, 10))
}

// fakeBlocks returns the encoded blocks [from, from+n).
func fakeBlocks(from uint64, n int) [][]byte {
	blocks := make([][]byte, n)
	for i := range blocks {
		blocks[i] = encodeFakeBlock(from + uint64(i))
	}
	return blocks
}

type fakeVote struct {
	height, round uint64
	index         int
}

func (v fakeVote) Height() uint64      { return v.height }
func (v fakeVote) Round() uint64       { return v.round }
func (v fakeVote) ValidatorIndex() int { return v.index }

func encodeFakeVote(height, round uint64, index int) []byte {
	return []byte(fmt.Sprintf("%d/%d/%d", height, round, index))
}

func decodeFakeVote(buf []byte) (Vote, error) {
	var v fakeVote
	if _, err := fmt.Sscanf(string(buf), "%d/%d/%d", &v.height, &v.round, &v.index); err != nil {
		return nil, err
	}
	return v, nil
}

// fakeChain is an in-memory chain that implements the store and processor
// interfaces used by the downloaders.
type fakeChain struct {
	validators int

	mu         sync.Mutex
	height     uint64
	processing int
	maxProc    int
	prevotes   map[int]bool
	precommits map[int]bool
	proposals  int
}

func newFakeChain(height uint64, validators int) *fakeChain {
	return &fakeChain{
		validators: validators,
		height:     height,
		prevotes:   make(map[int]bool),
		precommits: make(map[int]bool),
	}
}

func (fc *fakeChain) LastHeight() uint64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.height
}

func (fc *fakeChain) LastBlock() wire.BlockHeader {
	return wire.BlockHeader{Height: fc.LastHeight()}
}

func (fc *fakeChain) ActiveValidators(uint64) int { return fc.validators }

func (fc *fakeChain) DecodeCommittedBlock(buf []byte) (CommittedBlock, error) {
	s, invalid := strings.CutPrefix(string(buf), "x")
	height, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return fakeBlock{height: height, valid: !invalid}, nil
}

func (fc *fakeChain) HasValidSignature(b CommittedBlock) bool {
	return b.(fakeBlock).valid
}

func (fc *fakeChain) ProcessCommittedBlock(b CommittedBlock) error {
	fc.mu.Lock()
	fc.processing++
	fc.maxProc = max(fc.maxProc, fc.processing)
	fc.mu.Unlock()
	time.Sleep(time.Microsecond)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.processing--
	if b.Height() != fc.height+1 {
		return fmt.Errorf("expected block %d, got %d", fc.height+1, b.Height())
	}
	fc.height++
	return nil
}

// MaxConcurrentProcessing returns the highest number of concurrent
// ProcessCommittedBlock calls observed.
func (fc *fakeChain) MaxConcurrentProcessing() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.maxProc
}

func (fc *fakeChain) DecodePrevote(buf []byte) (Vote, error)   { return decodeFakeVote(buf) }
func (fc *fakeChain) DecodePrecommit(buf []byte) (Vote, error) { return decodeFakeVote(buf) }

func (fc *fakeChain) ProcessPrevote(v Vote) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.prevotes[v.ValidatorIndex()] = true
	return nil
}

func (fc *fakeChain) ProcessPrecommit(v Vote) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.precommits[v.ValidatorIndex()] = true
	return nil
}

func (fc *fakeChain) DecodeProposal(buf []byte) (Proposal, error) {
	v, err := decodeFakeVote(buf)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (fc *fakeChain) ProcessProposal(Proposal) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.proposals++
	return nil
}

func (fc *fakeChain) Prevotes() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.prevotes)
}

func (fc *fakeChain) Proposals() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.proposals
}

type blockSourceFunc func(ctx context.Context, p *Peer, fromHeight uint64, limit int) ([][]byte, error)

func (fn blockSourceFunc) GetBlocks(ctx context.Context, p *Peer, fromHeight uint64, limit int) ([][]byte, error) {
	return fn(ctx, p, fromHeight, limit)
}

type messageSourceFunc func(ctx context.Context, p *Peer) ([][]byte, [][]byte, error)

func (fn messageSourceFunc) GetMessages(ctx context.Context, p *Peer) (prevotes, precommits [][]byte, err error) {
	return fn(ctx, p)
}

type proposalSourceFunc func(ctx context.Context, p *Peer) ([]byte, error)

func (fn proposalSourceFunc) GetProposal(ctx context.Context, p *Peer) ([]byte, error) {
	return fn(ctx, p)
}

var errFakeSource = errors.New("source failed")

func newTestBlockDownloader(t *testing.T, fc *fakeChain, source blockSource, repo *PeerRepository, disposer *PeerDisposer) *BlockDownloader {
	tg := threadgroup.New()
	t.Cleanup(tg.Stop)
	return &BlockDownloader{
		log:             zaptest.NewLogger(t).Named("blocks"),
		store:           fc,
		processor:       fc,
		source:          source,
		repo:            repo,
		disposer:        disposer,
		metrics:         disposer.metrics,
		tg:              tg,
		maxBlockPayload: 2 << 20,
	}
}

// waitFor polls fn until it returns true or the test times out.
func waitFor(t *testing.T, msg string, fn func() bool) {
	t.Helper()
	for range 200 {
		if fn() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("timed out waiting:", msg)
}
