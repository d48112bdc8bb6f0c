// Package testutil provides in-memory implementations of the syncer's
// collaborators for use in tests.
package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/ArkEcosystem/mainsail-sub003/syncer"
	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"go.sia.tech/core/types"
)

// Network returns the network configuration used in tests.
func Network() wire.NetworkConfig {
	return wire.NetworkConfig{
		Name:    "testnet",
		Nethash: types.HashBytes([]byte("testnet")),
		Token:   wire.Token{Name: "DARK", Symbol: "D"},
		Version: 30,
	}
}

type (
	// A Block is a committed block of a MemChain.
	Block struct {
		height uint64
		id     types.BlockID
		// invalid marks a block whose commit signature does not verify
		invalid bool
	}

	// A Vote is a prevote or precommit of a MemChain.
	Vote struct {
		height uint64
		round  uint64
		index  int
	}

	// A Proposal is a proposal of a MemChain.
	Proposal struct {
		height uint64
		round  uint64
	}
)

// Height implements syncer.CommittedBlock.
func (b Block) Height() uint64 { return b.height }

// ID returns the ID of the block.
func (b Block) ID() types.BlockID { return b.id }

// EncodeTo implements types.EncoderTo.
func (b Block) EncodeTo(e *types.Encoder) {
	e.WriteUint64(b.height)
	b.id.EncodeTo(e)
	e.WriteBool(b.invalid)
}

// DecodeFrom implements types.DecoderFrom.
func (b *Block) DecodeFrom(d *types.Decoder) {
	b.height = d.ReadUint64()
	b.id.DecodeFrom(d)
	b.invalid = d.ReadBool()
}

// Height implements syncer.Vote.
func (v Vote) Height() uint64 { return v.height }

// Round implements syncer.Vote.
func (v Vote) Round() uint64 { return v.round }

// ValidatorIndex implements syncer.Vote.
func (v Vote) ValidatorIndex() int { return v.index }

// Height implements syncer.Proposal.
func (p Proposal) Height() uint64 { return p.height }

// Round implements syncer.Proposal.
func (p Proposal) Round() uint64 { return p.round }

func encode(fn func(e *types.Encoder)) []byte {
	var buf bytes.Buffer
	e := types.NewEncoder(&buf)
	fn(e)
	e.Flush()
	return buf.Bytes()
}

// EncodeBlock returns the serialization of b.
func EncodeBlock(b Block) []byte { return encode(b.EncodeTo) }

// EncodeVote returns the serialization of a vote.
func EncodeVote(height, round uint64, index int) []byte {
	return encode(func(e *types.Encoder) {
		e.WriteUint64(height)
		e.WriteUint64(round)
		e.WriteUint64(uint64(index))
	})
}

// EncodeProposal returns the serialization of a proposal.
func EncodeProposal(height, round uint64) []byte {
	return encode(func(e *types.Encoder) {
		e.WriteUint64(height)
		e.WriteUint64(round)
	})
}

func decodeVote(buf []byte) (syncer.Vote, error) {
	d := types.NewBufDecoder(buf)
	v := Vote{height: d.ReadUint64(), round: d.ReadUint64(), index: int(d.ReadUint64())}
	return v, d.Err()
}

// A MemChain is an in-memory syncer.ChainManager. Block IDs are derived from
// the chain's seed and the block height, so two chains with the same seed
// agree on every block.
type MemChain struct {
	mu         sync.Mutex
	seed       string
	validators int
	blocks     []Block

	round      uint64
	prevotes   map[int][]byte
	precommits map[int][]byte
	proposal   []byte
	txns       [][]byte
}

// BlockAt returns the block at height of a chain with the given seed.
func BlockAt(seed string, height uint64) Block {
	return Block{
		height: height,
		id:     types.BlockID(types.HashBytes(fmt.Appendf(nil, "%s/%d", seed, height))),
	}
}

// InvalidBlockAt is like BlockAt, but the returned block fails signature
// verification.
func InvalidBlockAt(seed string, height uint64) Block {
	b := BlockAt(seed, height)
	b.invalid = true
	return b
}

func (mc *MemChain) resetRound() {
	mc.round = 0
	mc.prevotes = make(map[int][]byte)
	mc.precommits = make(map[int][]byte)
	mc.proposal = nil
}

// MineBlocks appends n blocks to the chain.
func (mc *MemChain) MineBlocks(n int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for ; n > 0; n-- {
		mc.blocks = append(mc.blocks, BlockAt(mc.seed, uint64(len(mc.blocks))+1))
	}
	mc.resetRound()
}

// AppendBlocks appends blocks to the chain without checking them.
func (mc *MemChain) AppendBlocks(blocks ...Block) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.blocks = append(mc.blocks, blocks...)
	mc.resetRound()
}

// SetRound moves the chain to the given round of the current height.
func (mc *MemChain) SetRound(round uint64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.round = round
	mc.prevotes = make(map[int][]byte)
	mc.precommits = make(map[int][]byte)
	mc.proposal = nil
}

// AddVotes stores prevotes and precommits of the given validators for the
// current round.
func (mc *MemChain) AddVotes(prevotes, precommits []int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	height := uint64(len(mc.blocks)) + 1
	for _, i := range prevotes {
		mc.prevotes[i] = EncodeVote(height, mc.round, i)
	}
	for _, i := range precommits {
		mc.precommits[i] = EncodeVote(height, mc.round, i)
	}
}

// SetProposal stores a proposal for the current round.
func (mc *MemChain) SetProposal() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.proposal = EncodeProposal(uint64(len(mc.blocks))+1, mc.round)
}

// Transactions returns the transactions added to the chain.
func (mc *MemChain) Transactions() [][]byte {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return append([][]byte(nil), mc.txns...)
}

// LastHeight implements syncer.StateStore.
func (mc *MemChain) LastHeight() uint64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return uint64(len(mc.blocks))
}

// LastBlock implements syncer.StateStore.
func (mc *MemChain) LastBlock() wire.BlockHeader {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if len(mc.blocks) == 0 {
		return wire.BlockHeader{}
	}
	b := mc.blocks[len(mc.blocks)-1]
	return wire.BlockHeader{Height: b.height, ID: b.id}
}

// ActiveValidators implements syncer.StateStore.
func (mc *MemChain) ActiveValidators(uint64) int {
	return mc.validators
}

// BlockID implements syncer.ChainManager.
func (mc *MemChain) BlockID(height uint64) (types.BlockID, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if height == 0 || height > uint64(len(mc.blocks)) {
		return types.BlockID{}, false
	}
	return mc.blocks[height-1].id, true
}

// DecodeCommittedBlock implements syncer.CommittedBlockProcessor.
func (mc *MemChain) DecodeCommittedBlock(buf []byte) (syncer.CommittedBlock, error) {
	var b Block
	d := types.NewBufDecoder(buf)
	b.DecodeFrom(d)
	return b, d.Err()
}

// HasValidSignature implements syncer.CommittedBlockProcessor.
func (mc *MemChain) HasValidSignature(b syncer.CommittedBlock) bool {
	return !b.(Block).invalid
}

// ProcessCommittedBlock implements syncer.CommittedBlockProcessor.
func (mc *MemChain) ProcessCommittedBlock(cb syncer.CommittedBlock) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	b := cb.(Block)
	if want := uint64(len(mc.blocks)) + 1; b.height != want {
		return fmt.Errorf("expected block at height %d, got %d", want, b.height)
	}
	mc.blocks = append(mc.blocks, b)
	mc.resetRound()
	return nil
}

// DecodePrevote implements syncer.VoteProcessor.
func (mc *MemChain) DecodePrevote(buf []byte) (syncer.Vote, error) { return decodeVote(buf) }

// DecodePrecommit implements syncer.VoteProcessor.
func (mc *MemChain) DecodePrecommit(buf []byte) (syncer.Vote, error) { return decodeVote(buf) }

func (mc *MemChain) addVote(precommit bool, v syncer.Vote) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	votes := mc.prevotes
	if precommit {
		votes = mc.precommits
	}
	if height := uint64(len(mc.blocks)) + 1; v.Height() != height || v.Round() != mc.round {
		return errors.New("vote is not for the current round")
	} else if v.ValidatorIndex() < 0 || v.ValidatorIndex() >= mc.validators {
		return errors.New("invalid validator index")
	}
	votes[v.ValidatorIndex()] = EncodeVote(v.Height(), v.Round(), v.ValidatorIndex())
	return nil
}

// ProcessPrevote implements syncer.VoteProcessor.
func (mc *MemChain) ProcessPrevote(v syncer.Vote) error { return mc.addVote(false, v) }

// ProcessPrecommit implements syncer.VoteProcessor.
func (mc *MemChain) ProcessPrecommit(v syncer.Vote) error { return mc.addVote(true, v) }

// DecodeProposal implements syncer.ProposalProcessor.
func (mc *MemChain) DecodeProposal(buf []byte) (syncer.Proposal, error) {
	d := types.NewBufDecoder(buf)
	p := Proposal{height: d.ReadUint64(), round: d.ReadUint64()}
	return p, d.Err()
}

// ProcessProposal implements syncer.ProposalProcessor.
func (mc *MemChain) ProcessProposal(p syncer.Proposal) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if height := uint64(len(mc.blocks)) + 1; p.Height() != height || p.Round() != mc.round {
		return errors.New("proposal is not for the current round")
	}
	mc.proposal = EncodeProposal(p.Height(), p.Round())
	return nil
}

// RoundState implements syncer.ConsensusState.
func (mc *MemChain) RoundState() syncer.RoundState {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	rs := syncer.RoundState{
		Height:      uint64(len(mc.blocks)) + 1,
		Round:       mc.round,
		Prevotes:    make([]bool, mc.validators),
		Precommits:  make([]bool, mc.validators),
		HasProposal: mc.proposal != nil,
	}
	for i := range mc.prevotes {
		rs.Prevotes[i] = true
	}
	for i := range mc.precommits {
		rs.Precommits[i] = true
	}
	return rs
}

// CommittedBlocks implements syncer.ChainManager.
func (mc *MemChain) CommittedBlocks(from uint64, limit int) ([][]byte, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	var bufs [][]byte
	for h := from; h <= uint64(len(mc.blocks)) && len(bufs) < limit; h++ {
		bufs = append(bufs, EncodeBlock(mc.blocks[h-1]))
	}
	return bufs, nil
}

// Messages implements syncer.ChainManager.
func (mc *MemChain) Messages(height, round uint64) (prevotes, precommits [][]byte) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if height != uint64(len(mc.blocks))+1 || round != mc.round {
		return nil, nil
	}
	for _, buf := range mc.prevotes {
		prevotes = append(prevotes, buf)
	}
	for _, buf := range mc.precommits {
		precommits = append(precommits, buf)
	}
	return
}

// Proposal implements syncer.ChainManager.
func (mc *MemChain) Proposal(height, round uint64) ([]byte, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if height != uint64(len(mc.blocks))+1 || round != mc.round || mc.proposal == nil {
		return nil, false
	}
	return mc.proposal, true
}

// AddTransactions implements syncer.ChainManager.
func (mc *MemChain) AddTransactions(txns [][]byte) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.txns = append(mc.txns, txns...)
	return nil
}

var _ syncer.ChainManager = (*MemChain)(nil)

// NewMemChain returns a chain of the given height with the given number of
// active validators.
func NewMemChain(seed string, validators int, height int) *MemChain {
	mc := &MemChain{
		seed:       seed,
		validators: validators,
	}
	mc.MineBlocks(height)
	return mc
}
