// Package wire defines the request/response objects exchanged between peers
// and their binary encoding.
package wire

import (
	"net"
	"sort"
	"strconv"

	"go.sia.tech/core/types"
)

const (
	// MaxDownloadBlocks is the maximum number of blocks served by a single
	// GetBlocks call.
	MaxDownloadBlocks = 400
	// MaxPeersGetPeers is the maximum number of peers returned by GetPeers.
	MaxPeersGetPeers = 500
	// DefaultMaxPayload is the maximum size of a GetBlocks response.
	DefaultMaxPayload = 20 << 20
	// DefaultMaxPayloadClient is the maximum size of any other response.
	DefaultMaxPayloadClient = 1 << 20
)

// Transport protocols a peer may be reached on.
const (
	ProtocolSiaMux = "siamux"
	ProtocolQUIC   = "quic"
)

// RPC identifiers.
var (
	RouteGetBlocks        = types.NewSpecifier("GetBlocks")
	RouteGetMessages      = types.NewSpecifier("GetMessages")
	RouteGetProposal      = types.NewSpecifier("GetProposal")
	RouteGetPeers         = types.NewSpecifier("GetPeers")
	RouteGetStatus        = types.NewSpecifier("GetStatus")
	RouteGetAPINodes      = types.NewSpecifier("GetApiNodes")
	RoutePostPrevote      = types.NewSpecifier("PostPrevote")
	RoutePostPrecommit    = types.NewSpecifier("PostPrecommit")
	RoutePostProposal     = types.NewSpecifier("PostProposal")
	RoutePostTransactions = types.NewSpecifier("PostTransactions")
)

// An Object is an RPC request/response pair.
type Object interface {
	ID() types.Specifier
	EncodeRequest(e *types.Encoder)
	DecodeRequest(d *types.Decoder)
	EncodeResponse(e *types.Encoder)
	DecodeResponse(d *types.Decoder)
	MaxRequestLen() int
	MaxResponseLen() int
	// ValidateResponse checks a decoded response against the reply shape
	// contract of the route.
	ValidateResponse() error
}

// A PeerBroadcast is the public address of a peer, as shared via GetPeers
// and GetApiNodes.
type PeerBroadcast struct {
	IP       string `json:"ip"`
	Port     uint16 `json:"port"`
	Protocol string `json:"protocol"`
}

// Address returns the dialable host:port of the peer.
func (pb PeerBroadcast) Address() string {
	return net.JoinHostPort(pb.IP, strconv.Itoa(int(pb.Port)))
}

// EncodeTo implements types.EncoderTo.
func (pb PeerBroadcast) EncodeTo(e *types.Encoder) {
	e.WriteString(pb.IP)
	e.WriteUint64(uint64(pb.Port))
	e.WriteString(pb.Protocol)
}

// DecodeFrom implements types.DecoderFrom.
func (pb *PeerBroadcast) DecodeFrom(d *types.Decoder) {
	pb.IP = d.ReadString()
	pb.Port = uint16(d.ReadUint64())
	pb.Protocol = d.ReadString()
}

// A Token names the native token of a network.
type Token struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

// A NetworkConfig identifies the network a peer belongs to.
type NetworkConfig struct {
	Name     string        `json:"name"`
	Nethash  types.Hash256 `json:"nethash"`
	Explorer string        `json:"explorer"`
	Token    Token         `json:"token"`
	Version  uint8         `json:"version"`
}

// A Plugin is a service a peer exposes next to the p2p port.
type Plugin struct {
	Port               uint16 `json:"port"`
	Enabled            bool   `json:"enabled"`
	EstimateTotalCount bool   `json:"estimateTotalCount"`
}

// A PeerConfig is the static configuration a peer reports via GetStatus.
type PeerConfig struct {
	Version string            `json:"version"`
	Network NetworkConfig     `json:"network"`
	Plugins map[string]Plugin `json:"plugins"`
}

// A BlockHeader identifies the last block of a peer.
type BlockHeader struct {
	Height uint64        `json:"height"`
	ID     types.BlockID `json:"id"`
}

// A PeerState is the dynamic state a peer reports via GetStatus.
type PeerState struct {
	Height         uint64      `json:"height"`
	CurrentSlot    uint64      `json:"currentSlot"`
	ForgingAllowed bool        `json:"forgingAllowed"`
	Header         BlockHeader `json:"header"`
}

// EncodeTo implements types.EncoderTo.
func (pc PeerConfig) EncodeTo(e *types.Encoder) {
	e.WriteString(pc.Version)
	e.WriteString(pc.Network.Name)
	pc.Network.Nethash.EncodeTo(e)
	e.WriteString(pc.Network.Explorer)
	e.WriteString(pc.Network.Token.Name)
	e.WriteString(pc.Network.Token.Symbol)
	e.WriteUint8(pc.Network.Version)

	names := make([]string, 0, len(pc.Plugins))
	for name := range pc.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	types.EncodeSliceFn(e, names, func(e *types.Encoder, name string) {
		p := pc.Plugins[name]
		e.WriteString(name)
		e.WriteUint64(uint64(p.Port))
		e.WriteBool(p.Enabled)
		e.WriteBool(p.EstimateTotalCount)
	})
}

// DecodeFrom implements types.DecoderFrom.
func (pc *PeerConfig) DecodeFrom(d *types.Decoder) {
	pc.Version = d.ReadString()
	pc.Network.Name = d.ReadString()
	pc.Network.Nethash.DecodeFrom(d)
	pc.Network.Explorer = d.ReadString()
	pc.Network.Token.Name = d.ReadString()
	pc.Network.Token.Symbol = d.ReadString()
	pc.Network.Version = d.ReadUint8()

	type namedPlugin struct {
		name string
		Plugin
	}
	var plugins []namedPlugin
	types.DecodeSliceFn(d, &plugins, func(d *types.Decoder) namedPlugin {
		return namedPlugin{
			name: d.ReadString(),
			Plugin: Plugin{
				Port:               uint16(d.ReadUint64()),
				Enabled:            d.ReadBool(),
				EstimateTotalCount: d.ReadBool(),
			},
		}
	})
	pc.Plugins = make(map[string]Plugin, len(plugins))
	for _, p := range plugins {
		pc.Plugins[p.name] = p.Plugin
	}
}

// EncodeTo implements types.EncoderTo.
func (ps PeerState) EncodeTo(e *types.Encoder) {
	e.WriteUint64(ps.Height)
	e.WriteUint64(ps.CurrentSlot)
	e.WriteBool(ps.ForgingAllowed)
	e.WriteUint64(ps.Header.Height)
	ps.Header.ID.EncodeTo(e)
}

// DecodeFrom implements types.DecoderFrom.
func (ps *PeerState) DecodeFrom(d *types.Decoder) {
	ps.Height = d.ReadUint64()
	ps.CurrentSlot = d.ReadUint64()
	ps.ForgingAllowed = d.ReadBool()
	ps.Header.Height = d.ReadUint64()
	ps.Header.ID.DecodeFrom(d)
}

func encodeBuffers(e *types.Encoder, bufs [][]byte) {
	types.EncodeSliceFn(e, bufs, (*types.Encoder).WriteBytes)
}

func decodeBuffers(d *types.Decoder) (bufs [][]byte) {
	types.DecodeSliceFn(d, &bufs, (*types.Decoder).ReadBytes)
	return
}

func encodeBroadcasts(e *types.Encoder, peers []PeerBroadcast) {
	types.EncodeSlice(e, peers)
}

func decodeBroadcasts(d *types.Decoder) (peers []PeerBroadcast) {
	types.DecodeSlice(d, &peers)
	return
}

type (
	// RPCGetBlocks requests a contiguous range of committed blocks.
	RPCGetBlocks struct {
		FromHeight uint64
		Limit      uint64
		Blocks     [][]byte
	}

	// RPCGetMessages requests the prevotes and precommits a peer holds for
	// the requester's height and round.
	RPCGetMessages struct {
		Prevotes   [][]byte
		Precommits [][]byte
	}

	// RPCGetProposal requests the proposal a peer holds for the requester's
	// height and round. An empty proposal means the peer has none.
	RPCGetProposal struct {
		Proposal []byte
	}

	// RPCGetPeers requests a peer's list of connected peers.
	RPCGetPeers struct {
		Peers []PeerBroadcast
	}

	// RPCGetAPINodes requests a peer's list of known API nodes.
	RPCGetAPINodes struct {
		APINodes []PeerBroadcast
	}

	// RPCGetStatus requests a peer's configuration and state.
	RPCGetStatus struct {
		Config PeerConfig
		State  PeerState
	}

	// RPCPostPrevote relays a prevote.
	RPCPostPrevote struct {
		Prevote []byte
	}

	// RPCPostPrecommit relays a precommit.
	RPCPostPrecommit struct {
		Precommit []byte
	}

	// RPCPostProposal relays a proposal.
	RPCPostProposal struct {
		Proposal []byte
	}

	// RPCPostTransactions relays a batch of serialized transactions.
	RPCPostTransactions struct {
		Transactions [][]byte
	}
)

// ID implements Object.
func (RPCGetBlocks) ID() types.Specifier { return RouteGetBlocks }

// EncodeRequest implements Object.
func (r *RPCGetBlocks) EncodeRequest(e *types.Encoder) {
	e.WriteUint64(r.FromHeight)
	e.WriteUint64(r.Limit)
}

// DecodeRequest implements Object.
func (r *RPCGetBlocks) DecodeRequest(d *types.Decoder) {
	r.FromHeight = d.ReadUint64()
	r.Limit = d.ReadUint64()
}

// EncodeResponse implements Object.
func (r *RPCGetBlocks) EncodeResponse(e *types.Encoder) { encodeBuffers(e, r.Blocks) }

// DecodeResponse implements Object.
func (r *RPCGetBlocks) DecodeResponse(d *types.Decoder) { r.Blocks = decodeBuffers(d) }

// MaxRequestLen implements Object.
func (RPCGetBlocks) MaxRequestLen() int { return 16 }

// MaxResponseLen implements Object.
func (RPCGetBlocks) MaxResponseLen() int { return DefaultMaxPayload }

// ID implements Object.
func (RPCGetMessages) ID() types.Specifier { return RouteGetMessages }

// EncodeRequest implements Object.
func (r *RPCGetMessages) EncodeRequest(*types.Encoder) {}

// DecodeRequest implements Object.
func (r *RPCGetMessages) DecodeRequest(*types.Decoder) {}

// EncodeResponse implements Object.
func (r *RPCGetMessages) EncodeResponse(e *types.Encoder) {
	encodeBuffers(e, r.Prevotes)
	encodeBuffers(e, r.Precommits)
}

// DecodeResponse implements Object.
func (r *RPCGetMessages) DecodeResponse(d *types.Decoder) {
	r.Prevotes = decodeBuffers(d)
	r.Precommits = decodeBuffers(d)
}

// MaxRequestLen implements Object.
func (RPCGetMessages) MaxRequestLen() int { return 0 }

// MaxResponseLen implements Object.
func (RPCGetMessages) MaxResponseLen() int { return DefaultMaxPayloadClient }

// ID implements Object.
func (RPCGetProposal) ID() types.Specifier { return RouteGetProposal }

// EncodeRequest implements Object.
func (r *RPCGetProposal) EncodeRequest(*types.Encoder) {}

// DecodeRequest implements Object.
func (r *RPCGetProposal) DecodeRequest(*types.Decoder) {}

// EncodeResponse implements Object.
func (r *RPCGetProposal) EncodeResponse(e *types.Encoder) { e.WriteBytes(r.Proposal) }

// DecodeResponse implements Object.
func (r *RPCGetProposal) DecodeResponse(d *types.Decoder) { r.Proposal = d.ReadBytes() }

// MaxRequestLen implements Object.
func (RPCGetProposal) MaxRequestLen() int { return 0 }

// MaxResponseLen implements Object.
func (RPCGetProposal) MaxResponseLen() int { return DefaultMaxPayload }

// ID implements Object.
func (RPCGetPeers) ID() types.Specifier { return RouteGetPeers }

// EncodeRequest implements Object.
func (r *RPCGetPeers) EncodeRequest(*types.Encoder) {}

// DecodeRequest implements Object.
func (r *RPCGetPeers) DecodeRequest(*types.Decoder) {}

// EncodeResponse implements Object.
func (r *RPCGetPeers) EncodeResponse(e *types.Encoder) { encodeBroadcasts(e, r.Peers) }

// DecodeResponse implements Object.
func (r *RPCGetPeers) DecodeResponse(d *types.Decoder) { r.Peers = decodeBroadcasts(d) }

// MaxRequestLen implements Object.
func (RPCGetPeers) MaxRequestLen() int { return 0 }

// MaxResponseLen implements Object.
func (RPCGetPeers) MaxResponseLen() int { return DefaultMaxPayloadClient }

// ID implements Object.
func (RPCGetAPINodes) ID() types.Specifier { return RouteGetAPINodes }

// EncodeRequest implements Object.
func (r *RPCGetAPINodes) EncodeRequest(*types.Encoder) {}

// DecodeRequest implements Object.
func (r *RPCGetAPINodes) DecodeRequest(*types.Decoder) {}

// EncodeResponse implements Object.
func (r *RPCGetAPINodes) EncodeResponse(e *types.Encoder) { encodeBroadcasts(e, r.APINodes) }

// DecodeResponse implements Object.
func (r *RPCGetAPINodes) DecodeResponse(d *types.Decoder) { r.APINodes = decodeBroadcasts(d) }

// MaxRequestLen implements Object.
func (RPCGetAPINodes) MaxRequestLen() int { return 0 }

// MaxResponseLen implements Object.
func (RPCGetAPINodes) MaxResponseLen() int { return DefaultMaxPayloadClient }

// ID implements Object.
func (RPCGetStatus) ID() types.Specifier { return RouteGetStatus }

// EncodeRequest implements Object.
func (r *RPCGetStatus) EncodeRequest(*types.Encoder) {}

// DecodeRequest implements Object.
func (r *RPCGetStatus) DecodeRequest(*types.Decoder) {}

// EncodeResponse implements Object.
func (r *RPCGetStatus) EncodeResponse(e *types.Encoder) {
	r.Config.EncodeTo(e)
	r.State.EncodeTo(e)
}

// DecodeResponse implements Object.
func (r *RPCGetStatus) DecodeResponse(d *types.Decoder) {
	r.Config.DecodeFrom(d)
	r.State.DecodeFrom(d)
}

// MaxRequestLen implements Object.
func (RPCGetStatus) MaxRequestLen() int { return 0 }

// MaxResponseLen implements Object.
func (RPCGetStatus) MaxResponseLen() int { return 1 << 16 }

// ID implements Object.
func (RPCPostPrevote) ID() types.Specifier { return RoutePostPrevote }

// EncodeRequest implements Object.
func (r *RPCPostPrevote) EncodeRequest(e *types.Encoder) { e.WriteBytes(r.Prevote) }

// DecodeRequest implements Object.
func (r *RPCPostPrevote) DecodeRequest(d *types.Decoder) { r.Prevote = d.ReadBytes() }

// EncodeResponse implements Object.
func (r *RPCPostPrevote) EncodeResponse(*types.Encoder) {}

// DecodeResponse implements Object.
func (r *RPCPostPrevote) DecodeResponse(*types.Decoder) {}

// MaxRequestLen implements Object.
func (RPCPostPrevote) MaxRequestLen() int { return 1 << 12 }

// MaxResponseLen implements Object.
func (RPCPostPrevote) MaxResponseLen() int { return 0 }

// ID implements Object.
func (RPCPostPrecommit) ID() types.Specifier { return RoutePostPrecommit }

// EncodeRequest implements Object.
func (r *RPCPostPrecommit) EncodeRequest(e *types.Encoder) { e.WriteBytes(r.Precommit) }

// DecodeRequest implements Object.
func (r *RPCPostPrecommit) DecodeRequest(d *types.Decoder) { r.Precommit = d.ReadBytes() }

// EncodeResponse implements Object.
func (r *RPCPostPrecommit) EncodeResponse(*types.Encoder) {}

// DecodeResponse implements Object.
func (r *RPCPostPrecommit) DecodeResponse(*types.Decoder) {}

// MaxRequestLen implements Object.
func (RPCPostPrecommit) MaxRequestLen() int { return 1 << 12 }

// MaxResponseLen implements Object.
func (RPCPostPrecommit) MaxResponseLen() int { return 0 }

// ID implements Object.
func (RPCPostProposal) ID() types.Specifier { return RoutePostProposal }

// EncodeRequest implements Object.
func (r *RPCPostProposal) EncodeRequest(e *types.Encoder) { e.WriteBytes(r.Proposal) }

// DecodeRequest implements Object.
func (r *RPCPostProposal) DecodeRequest(d *types.Decoder) { r.Proposal = d.ReadBytes() }

// EncodeResponse implements Object.
func (r *RPCPostProposal) EncodeResponse(*types.Encoder) {}

// DecodeResponse implements Object.
func (r *RPCPostProposal) DecodeResponse(*types.Decoder) {}

// MaxRequestLen implements Object.
func (RPCPostProposal) MaxRequestLen() int { return DefaultMaxPayload }

// MaxResponseLen implements Object.
func (RPCPostProposal) MaxResponseLen() int { return 0 }

// ID implements Object.
func (RPCPostTransactions) ID() types.Specifier { return RoutePostTransactions }

// EncodeRequest implements Object.
func (r *RPCPostTransactions) EncodeRequest(e *types.Encoder) { encodeBuffers(e, r.Transactions) }

// DecodeRequest implements Object.
func (r *RPCPostTransactions) DecodeRequest(d *types.Decoder) { r.Transactions = decodeBuffers(d) }

// EncodeResponse implements Object.
func (r *RPCPostTransactions) EncodeResponse(*types.Encoder) {}

// DecodeResponse implements Object.
func (r *RPCPostTransactions) DecodeResponse(*types.Decoder) {}

// MaxRequestLen implements Object.
func (RPCPostTransactions) MaxRequestLen() int { return DefaultMaxPayloadClient }

// MaxResponseLen implements Object.
func (RPCPostTransactions) MaxResponseLen() int { return 0 }

// ObjectForID returns a new Object for the given route, or nil if the route
// is unknown.
func ObjectForID(id types.Specifier) Object {
	switch id {
	case RouteGetBlocks:
		return new(RPCGetBlocks)
	case RouteGetMessages:
		return new(RPCGetMessages)
	case RouteGetProposal:
		return new(RPCGetProposal)
	case RouteGetPeers:
		return new(RPCGetPeers)
	case RouteGetAPINodes:
		return new(RPCGetAPINodes)
	case RouteGetStatus:
		return new(RPCGetStatus)
	case RoutePostPrevote:
		return new(RPCPostPrevote)
	case RoutePostPrecommit:
		return new(RPCPostPrecommit)
	case RoutePostProposal:
		return new(RPCPostProposal)
	case RoutePostTransactions:
		return new(RPCPostTransactions)
	default:
		return nil
	}
}
