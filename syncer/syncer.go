package syncer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/threadgroup"
	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"github.com/quic-go/quic-go"
	"go.sia.tech/core/types"
	"go.uber.org/zap"
)

type (
	// A StateStore provides the committed chain state.
	StateStore interface {
		// LastHeight returns the height of the last committed block.
		LastHeight() uint64
		// LastBlock returns the header of the last committed block.
		LastBlock() wire.BlockHeader
		// ActiveValidators returns the number of active validators at the
		// given height.
		ActiveValidators(height uint64) int
	}

	// A CommittedBlock is a decoded block together with its commit
	// signatures.
	CommittedBlock interface {
		Height() uint64
	}

	// A CommittedBlockProcessor verifies and applies committed blocks.
	CommittedBlockProcessor interface {
		DecodeCommittedBlock(buf []byte) (CommittedBlock, error)
		HasValidSignature(b CommittedBlock) bool
		ProcessCommittedBlock(b CommittedBlock) error
	}

	// A Vote is a decoded prevote or precommit.
	Vote interface {
		Height() uint64
		Round() uint64
		ValidatorIndex() int
	}

	// A VoteProcessor decodes and processes votes.
	VoteProcessor interface {
		DecodePrevote(buf []byte) (Vote, error)
		ProcessPrevote(v Vote) error
		DecodePrecommit(buf []byte) (Vote, error)
		ProcessPrecommit(v Vote) error
	}

	// A Proposal is a decoded block proposal.
	Proposal interface {
		Height() uint64
		Round() uint64
	}

	// A ProposalProcessor decodes and processes proposals.
	ProposalProcessor interface {
		DecodeProposal(buf []byte) (Proposal, error)
		ProcessProposal(p Proposal) error
	}

	// A ConsensusState provides the state of the current consensus round.
	ConsensusState interface {
		RoundState() RoundState
	}

	// A ChainManager manages blockchain state. The syncer never decides
	// consensus outcomes; it only hands data to the ChainManager and serves
	// data from it.
	ChainManager interface {
		StateStore
		CommittedBlockProcessor
		VoteProcessor
		ProposalProcessor
		ConsensusState

		// BlockID returns the ID of the committed block at the given height.
		BlockID(height uint64) (types.BlockID, bool)
		// CommittedBlocks returns up to limit serialized committed blocks,
		// starting at the given height.
		CommittedBlocks(from uint64, limit int) ([][]byte, error)
		// Messages returns the serialized votes held for the given round.
		Messages(height, round uint64) (prevotes, precommits [][]byte)
		// Proposal returns the serialized proposal held for the given round.
		Proposal(height, round uint64) ([]byte, bool)
		// AddTransactions adds serialized transactions to the pool.
		AddTransactions(txns [][]byte) error
	}
)

// A Syncer synchronizes blockchain data with peers.
type Syncer struct {
	l       net.Listener
	ql      *quic.Listener
	cm      ChainManager
	network wire.NetworkConfig
	config  config
	log     *zap.Logger // redundant, but convenient

	tg      *threadgroup.ThreadGroup
	metrics *metrics

	repo      *PeerRepository
	connector *PeerConnector
	disposer  *PeerDisposer
	comm      *PeerCommunicator
	processor *PeerProcessor
	headers   *HeaderService
	inbound   *RateLimiter

	blocks    *BlockDownloader
	messages  *MessageDownloader
	proposals *ProposalDownloader
}

// localHeader returns the current local header.
func (s *Syncer) localHeader() Header {
	return NewHeader(s.config.Version, s.cm.RoundState())
}

// withPeers is a helper function that calls fn concurrently for all connected
// peers. It returns nil if at least one call returns nil. If all calls fail,
// it returns the first error encountered. If there are no peers, it returns
// [ErrNoPeers].
func (s *Syncer) withPeers(fn func(p *Peer) error) error {
	peers := s.repo.Peers()
	if len(peers) == 0 {
		return ErrNoPeers
	}
	errCh := make(chan error, len(peers))
	for _, p := range peers {
		go func() {
			errCh <- fn(p)
		}()
	}
	var err error
	for range peers {
		// block until at least one relay has succeeded
		// or all relays have failed
		peerErr := <-errCh
		if peerErr == nil {
			return nil
		} else if err == nil {
			err = peerErr // return the first error if all relays fail
		}
	}
	return err
}

func (s *Syncer) broadcast(ctx context.Context, fn func(ctx context.Context, p *Peer) error) error {
	ctx, done, err := s.tg.AddContext(ctx)
	if err != nil {
		return err
	}
	defer done()
	return s.withPeers(func(p *Peer) error { return fn(ctx, p) })
}

// BroadcastPrevote relays a serialized prevote to all peers.
func (s *Syncer) BroadcastPrevote(ctx context.Context, prevote []byte) error {
	return s.broadcast(ctx, func(ctx context.Context, p *Peer) error { return s.comm.PostPrevote(ctx, p, prevote) })
}

// BroadcastPrecommit relays a serialized precommit to all peers.
func (s *Syncer) BroadcastPrecommit(ctx context.Context, precommit []byte) error {
	return s.broadcast(ctx, func(ctx context.Context, p *Peer) error { return s.comm.PostPrecommit(ctx, p, precommit) })
}

// BroadcastProposal relays a serialized proposal to all peers.
func (s *Syncer) BroadcastProposal(ctx context.Context, proposal []byte) error {
	return s.broadcast(ctx, func(ctx context.Context, p *Peer) error { return s.comm.PostProposal(ctx, p, proposal) })
}

// BroadcastTransactions relays serialized transactions to all peers.
func (s *Syncer) BroadcastTransactions(ctx context.Context, txns [][]byte) error {
	if len(txns) == 0 {
		return nil
	}
	return s.broadcast(ctx, func(ctx context.Context, p *Peer) error { return s.comm.PostTransactions(ctx, p, txns) })
}

// Run spawns goroutines for accepting inbound connections and monitoring the
// network. It blocks until an error occurs or the Syncer is closed, upon which
// all connections are closed and goroutines are terminated.
func (s *Syncer) Run() error {
	ctx, done, err := s.tg.AddContext(context.Background())
	if err != nil {
		return err
	}
	defer done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loops := []func(context.Context) error{s.acceptLoop, s.monitorLoop}
	if s.ql != nil {
		loops = append(loops, s.acceptQUICLoop)
	}
	errChan := make(chan error, len(loops))
	for _, fn := range loops {
		go func() {
			errChan <- fn(ctx)
		}()
	}
	err = <-errChan

	// when one goroutine exits, shutdown and wait for the others
	cancel()
	s.l.Close()
	if s.ql != nil {
		s.ql.Close()
	}
	for range len(loops) - 1 {
		<-errChan
	}
	s.headers.Close()
	s.connector.Close()

	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, quic.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil // graceful shutdown
	}
	return err
}

// Close closes the Syncer's listeners and waits for its goroutines to exit.
func (s *Syncer) Close() error {
	err := s.l.Close()
	if s.ql != nil {
		s.ql.Close()
	}
	s.tg.Stop()
	s.headers.Close()
	s.connector.Close()
	return err
}

// Connect verifies and adds the peer at pb. Unlike discovered peers, pb is
// exempt from the subnet cap.
func (s *Syncer) Connect(ctx context.Context, pb wire.PeerBroadcast) (*Peer, error) {
	ctx, done, err := s.tg.AddContext(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return s.processor.acceptPeer(ctx, pb, true)
}

// Peers returns the set of currently-connected peers.
func (s *Syncer) Peers() []*Peer {
	return s.repo.Peers()
}

// Peer returns the connected peer with the given IP.
func (s *Syncer) Peer(ip string) (*Peer, error) {
	p, ok := s.repo.Peer(ip)
	if !ok {
		return nil, ErrPeerNotFound
	}
	return p, nil
}

// APINodes returns the known API nodes.
func (s *Syncer) APINodes() []wire.PeerBroadcast {
	return s.repo.APINodes()
}

// BanPeer bans the peer with the given IP for the configured ban time and
// disconnects it.
func (s *Syncer) BanPeer(ip string, reason error) {
	s.disposer.BanPeer(ip, newProtocolError(ip, reason), false)
}

// IsDownloadingBlocks reports whether any block download jobs are queued.
func (s *Syncer) IsDownloadingBlocks() bool {
	return s.blocks.IsDownloading()
}

// Addr returns the address of the Syncer.
func (s *Syncer) Addr() string {
	return s.l.Addr().String()
}

// New returns a new Syncer that accepts peers on l. The port of l is
// advertised to peers as the port to connect to.
func New(l net.Listener, cm ChainManager, bans BanStore, network wire.NetworkConfig, opts ...Option) *Syncer {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	log := config.Logger

	var port uint16
	var localIP net.IP
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		port, localIP = uint16(addr.Port), addr.IP
	}

	s := &Syncer{
		l:       l,
		ql:      config.QUICListener,
		cm:      cm,
		network: network,
		config:  config,
		log:     log,
		tg:      threadgroup.New(),
		repo:    NewPeerRepository(),
	}
	s.metrics = newMetrics(config.Registerer, func() float64 { return float64(s.repo.Len()) })

	budgets := RouteBudgets(cm.ActiveValidators(cm.LastHeight()+1), config.RateLimitPostTransactions)
	s.inbound = NewRateLimiter(config.RateLimit, budgets, config.RemoteAccess)
	outbound := NewRateLimiter(config.RateLimit, budgets, nil)
	activeValidators := func() int { return cm.ActiveValidators(cm.LastHeight() + 1) }
	s.inbound.SetActiveValidators(activeValidators)
	outbound.SetActiveValidators(activeValidators)

	s.connector = NewPeerConnector(port, localIP, log.Named("connector"))
	s.disposer = &PeerDisposer{
		log:       log.Named("disposer"),
		repo:      s.repo,
		connector: s.connector,
		bans:      bans,
		banTime:   config.PeerBanTime,
		metrics:   s.metrics,
	}

	var txSpacing time.Duration
	if config.RateLimitPostTransactions > 0 {
		txSpacing = time.Second / time.Duration(config.RateLimitPostTransactions)
	}
	s.comm = &PeerCommunicator{
		log:                 log.Named("communicator"),
		connector:           s.connector,
		throttle:            NewThrottle(outbound),
		disposer:            s.disposer,
		metrics:             s.metrics,
		chain:               cm,
		header:              s.localHeader,
		http:                &http.Client{},
		nethash:             network.Nethash,
		minVersion:          config.MinVersion,
		getBlocksTimeout:    config.GetBlocksTimeout,
		maxSequentialErrors: config.MaxPeerSequentialErrors,
		txSpacing:           txSpacing,
		txQueues:            make(map[string]*txQueue),
	}
	s.repo.OnPeerRemoved(s.comm.forgetPeer)

	s.blocks = &BlockDownloader{
		log:             log.Named("blocks"),
		store:           cm,
		processor:       cm,
		source:          s.comm,
		repo:            s.repo,
		disposer:        s.disposer,
		metrics:         s.metrics,
		tg:              s.tg,
		maxBlockPayload: config.MaxBlockPayload,
	}
	s.messages = &MessageDownloader{
		log:       log.Named("messages"),
		store:     cm,
		processor: cm,
		source:    s.comm,
		repo:      s.repo,
		disposer:  s.disposer,
		blocks:    s.blocks,
		header:    s.localHeader,
		metrics:   s.metrics,
		tg:        s.tg,
		downloads: make(map[roundKey]*roundDownloads),
	}
	s.proposals = &ProposalDownloader{
		log:       log.Named("proposals"),
		processor: cm,
		source:    s.comm,
		repo:      s.repo,
		disposer:  s.disposer,
		blocks:    s.blocks,
		header:    s.localHeader,
		metrics:   s.metrics,
		tg:        s.tg,
		inflight:  make(map[uint64]struct{}),
	}

	s.headers = NewHeaderService(s.repo, log.Named("headers"), s.blocks, s.proposals, s.messages)
	s.comm.onHeader = s.headers.Handle

	s.processor = &PeerProcessor{
		log:                log.Named("processor"),
		repo:               s.repo,
		disposer:           s.disposer,
		connector:          s.connector,
		comm:               s.comm,
		headers:            s.headers,
		allowLocalPeers:    config.AllowLocalPeers,
		whitelist:          newIPMatcher(config.Whitelist),
		blacklist:          newIPMatcher(config.Blacklist),
		maxSameSubnetPeers: config.MaxSameSubnetPeers,
		verifyTimeout:      config.VerifyTimeout,
	}

	for _, n := range config.APINodes {
		s.repo.SetAPINode(n)
	}
	return s
}
