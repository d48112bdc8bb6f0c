package syncer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"github.com/quic-go/quic-go"
	"go.sia.tech/mux"
	"go.uber.org/zap"
	"lukechampine.com/frand"
)

const (
	handshakeTimeout = 10 * time.Second
	inboundTimeout   = time.Minute
)

func (s *Syncer) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return err
		}

		go func() {
			done, err := s.tg.Add()
			if err != nil {
				conn.Close()
				return
			}
			defer done()
			s.serveSiaMux(ctx, conn)
		}()
	}
}

func (s *Syncer) serveSiaMux(ctx context.Context, conn net.Conn) {
	ip := hostIP(conn.RemoteAddr())
	log := s.log.Named("server").With(zap.String("peer", ip), zap.String("protocol", wire.ProtocolSiaMux))
	if err := s.processor.allowInbound(ip); err != nil {
		log.Debug("rejected inbound connection", zap.Error(err))
		conn.Close()
		return
	}

	// set timeout for initial handshake
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	m, err := mux.AcceptAnonymous(conn)
	if err != nil {
		log.Debug("failed to accept inbound connection", zap.Error(err))
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	defer m.Close()
	stop := context.AfterFunc(ctx, func() { m.Close() })
	defer stop()

	for {
		st, err := m.AcceptStream()
		if err != nil {
			log.Debug("inbound connection closed", zap.Error(err))
			return
		}
		go s.serveStream(ctx, ip, wire.ProtocolSiaMux, st)
	}
}

func (s *Syncer) acceptQUICLoop(ctx context.Context) error {
	for {
		qc, err := s.ql.Accept(ctx)
		if err != nil {
			return err
		}

		go func() {
			done, err := s.tg.Add()
			if err != nil {
				qc.CloseWithError(0, "")
				return
			}
			defer done()
			s.serveQUIC(ctx, qc)
		}()
	}
}

func (s *Syncer) serveQUIC(ctx context.Context, qc quic.Connection) {
	ip := hostIP(qc.RemoteAddr())
	log := s.log.Named("server").With(zap.String("peer", ip), zap.String("protocol", wire.ProtocolQUIC))
	if err := s.processor.allowInbound(ip); err != nil {
		log.Debug("rejected inbound connection", zap.Error(err))
		qc.CloseWithError(0, "")
		return
	}
	defer qc.CloseWithError(0, "")

	for {
		st, err := qc.AcceptStream(ctx)
		if err != nil {
			log.Debug("inbound connection closed", zap.Error(err))
			return
		}
		go s.serveStream(ctx, ip, wire.ProtocolQUIC, st)
	}
}

func (s *Syncer) serveStream(ctx context.Context, ip, protocol string, st stream) {
	done, err := s.tg.Add()
	if err != nil {
		st.Close()
		return
	}
	defer done()
	defer st.Close()

	if err := st.SetDeadline(time.Now().Add(inboundTimeout)); err != nil {
		s.log.Debug("failed to set rpc deadline", zap.Error(err))
	} else if err := s.handleStream(ctx, ip, protocol, st); err != nil {
		s.log.Named("server").Debug("rpc failed", zap.String("peer", ip), zap.Error(err))
	}
}

// handleStream serves a single request.
func (s *Syncer) handleStream(ctx context.Context, ip, protocol string, st stream) error {
	rh, err := wire.ReadRequestHeader(st)
	if err != nil {
		return fmt.Errorf("failed to read request header: %w", err)
	}

	if s.inbound.HasExceededRateLimit(ip, rh.ID) {
		s.metrics.inboundRejected.WithLabelValues(rh.ID.String()).Inc()
		wire.WriteError(st, s.localHeader().Header, wire.ErrTooManyRequests)
		return fmt.Errorf("%v: %w", rh.ID, wire.ErrTooManyRequests)
	}

	obj := wire.ObjectForID(rh.ID)
	if obj == nil {
		err := fmt.Errorf("unknown route %v", rh.ID)
		wire.WriteError(st, s.localHeader().Header, err)
		return err
	} else if err := wire.ReadRequest(st, obj); err != nil {
		return fmt.Errorf("failed to read %v request: %w", rh.ID, err)
	} else if err := rh.Header.Validate(); err != nil {
		err = fmt.Errorf("invalid header: %w", err)
		wire.WriteError(st, s.localHeader().Header, err)
		return err
	}

	s.observeRequest(ctx, ip, protocol, rh)

	if err := s.handleRPC(ip, rh.Header, obj); err != nil {
		wire.WriteError(st, s.localHeader().Header, err)
		return fmt.Errorf("%v: %w", rh.ID, err)
	}
	return wire.WriteResponse(st, s.localHeader().Header, obj)
}

// observeRequest forwards the header of a known peer to the HeaderService.
// Unknown peers that accept inbound connections are offered to the
// PeerProcessor.
func (s *Syncer) observeRequest(ctx context.Context, ip, protocol string, rh wire.RequestHeader) {
	if p, ok := s.repo.Peer(ip); ok {
		s.headers.Handle(p, rh.Header)
		return
	} else if rh.Port == 0 || s.repo.HasPendingPeer(ip) {
		return
	}

	pb := wire.PeerBroadcast{IP: ip, Port: rh.Port, Protocol: protocol}
	go func() {
		done, err := s.tg.Add()
		if err != nil {
			return
		}
		defer done()
		s.processor.ValidateAndAcceptPeer(ctx, pb, false)
	}()
}

func (s *Syncer) handleRPC(ip string, remote wire.Header, obj wire.Object) error {
	switch r := obj.(type) {
	case *wire.RPCGetBlocks:
		limit := min(r.Limit, wire.MaxDownloadBlocks)
		if r.FromHeight == 0 {
			return errors.New("blocks start at height 1")
		} else if limit == 0 {
			return nil
		}
		blocks, err := s.cm.CommittedBlocks(r.FromHeight, int(limit))
		if err != nil {
			return fmt.Errorf("failed to get blocks: %w", err)
		}
		// each block carries an 8-byte length prefix
		var size int
		for i, b := range blocks {
			if size += len(b) + 8; size > wire.DefaultMaxPayload-8 {
				blocks = blocks[:i]
				break
			}
		}
		r.Blocks = blocks

	case *wire.RPCGetMessages:
		r.Prevotes, r.Precommits = s.cm.Messages(remote.Height, remote.Round)

	case *wire.RPCGetProposal:
		if proposal, ok := s.cm.Proposal(remote.Height, remote.Round); ok {
			r.Proposal = proposal
		}

	case *wire.RPCGetPeers:
		for _, p := range s.repo.Peers() {
			if p.IP == ip {
				continue
			} else if r.Peers = append(r.Peers, p.Broadcast()); len(r.Peers) >= wire.MaxPeersGetPeers {
				break
			}
		}

	case *wire.RPCGetAPINodes:
		nodes := s.repo.APINodes()
		frand.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
		if len(nodes) > wire.MaxPeersGetPeers {
			nodes = nodes[:wire.MaxPeersGetPeers]
		}
		r.APINodes = nodes

	case *wire.RPCGetStatus:
		last := s.cm.LastBlock()
		rs := s.cm.RoundState()
		r.Config = wire.PeerConfig{
			Version: s.config.Version,
			Network: s.network,
			Plugins: s.config.Plugins,
		}
		r.State = wire.PeerState{
			Height:      last.Height,
			CurrentSlot: rs.Round,
			// blocks are only proposed in the propose step
			ForgingAllowed: rs.Step == 0,
			Header:         last,
		}

	case *wire.RPCPostPrevote:
		v, err := s.cm.DecodePrevote(r.Prevote)
		if err != nil {
			return fmt.Errorf("failed to decode prevote: %w", err)
		}
		return s.cm.ProcessPrevote(v)

	case *wire.RPCPostPrecommit:
		v, err := s.cm.DecodePrecommit(r.Precommit)
		if err != nil {
			return fmt.Errorf("failed to decode precommit: %w", err)
		}
		return s.cm.ProcessPrecommit(v)

	case *wire.RPCPostProposal:
		proposal, err := s.cm.DecodeProposal(r.Proposal)
		if err != nil {
			return fmt.Errorf("failed to decode proposal: %w", err)
		}
		return s.cm.ProcessProposal(proposal)

	case *wire.RPCPostTransactions:
		return s.cm.AddTransactions(r.Transactions)

	default:
		return fmt.Errorf("unhandled route %v", obj.ID())
	}
	return nil
}
