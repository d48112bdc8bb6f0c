package syncer

import (
	"net"
	"sync"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"lukechampine.com/frand"
)

// A PeerRepository is the authoritative set of connected peers, peers that
// are being verified, and known API nodes. All sets are keyed by IP.
type PeerRepository struct {
	mu       sync.Mutex
	peers    map[string]*Peer
	pending  map[string]*Peer
	apiNodes map[string]wire.PeerBroadcast

	nextSubID int
	onRemoved map[int]func(*Peer)
}

// Peers returns the connected peers in random order.
func (pr *PeerRepository) Peers() []*Peer {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	peers := make([]*Peer, 0, len(pr.peers))
	for _, p := range pr.peers {
		peers = append(peers, p)
	}
	frand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	return peers
}

// Len returns the number of connected peers.
func (pr *PeerRepository) Len() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return len(pr.peers)
}

// Peer returns the connected peer with the given IP.
func (pr *PeerRepository) Peer(ip string) (*Peer, bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	p, ok := pr.peers[ip]
	return p, ok
}

// HasPeer reports whether a peer with the given IP is connected.
func (pr *PeerRepository) HasPeer(ip string) bool {
	_, ok := pr.Peer(ip)
	return ok
}

// SetPeer adds p to the connected set, replacing any peer with the same IP.
func (pr *PeerRepository) SetPeer(p *Peer) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.peers[p.IP] = p
}

// ForgetPeer removes the peer with the given IP and notifies subscribers. It
// reports whether the peer was present.
func (pr *PeerRepository) ForgetPeer(ip string) bool {
	pr.mu.Lock()
	p, ok := pr.peers[ip]
	delete(pr.peers, ip)
	var fns []func(*Peer)
	if ok {
		for _, fn := range pr.onRemoved {
			fns = append(fns, fn)
		}
	}
	pr.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
	return ok
}

// HasPendingPeer reports whether a peer with the given IP is being verified.
func (pr *PeerRepository) HasPendingPeer(ip string) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	_, ok := pr.pending[ip]
	return ok
}

// SetPendingPeer marks p as being verified. It returns false if the IP is
// already connected or pending.
func (pr *PeerRepository) SetPendingPeer(p *Peer) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if _, ok := pr.peers[p.IP]; ok {
		return false
	} else if _, ok := pr.pending[p.IP]; ok {
		return false
	}
	pr.pending[p.IP] = p
	return true
}

// ForgetPendingPeer removes the pending peer with the given IP.
func (pr *PeerRepository) ForgetPendingPeer(ip string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	delete(pr.pending, ip)
}

// SameSubnetPeers returns the connected peers in the same /24 (IPv4) or /64
// (IPv6) subnet as ip.
func (pr *PeerRepository) SameSubnetPeers(ip string) []*Peer {
	subnet := subnetOf(ip)
	if subnet == "" {
		return nil
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	var peers []*Peer
	for _, p := range pr.peers {
		if subnetOf(p.IP) == subnet {
			peers = append(peers, p)
		}
	}
	return peers
}

// APINodes returns the known API nodes.
func (pr *PeerRepository) APINodes() []wire.PeerBroadcast {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	nodes := make([]wire.PeerBroadcast, 0, len(pr.apiNodes))
	for _, n := range pr.apiNodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// HasAPINode reports whether an API node with the given IP is known.
func (pr *PeerRepository) HasAPINode(ip string) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	_, ok := pr.apiNodes[ip]
	return ok
}

// SetAPINode adds an API node.
func (pr *PeerRepository) SetAPINode(n wire.PeerBroadcast) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.apiNodes[n.IP] = n
}

// ForgetAPINode removes the API node with the given IP.
func (pr *PeerRepository) ForgetAPINode(ip string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	delete(pr.apiNodes, ip)
}

// OnPeerRemoved registers fn to be called after a peer is removed. The
// returned function unsubscribes fn.
func (pr *PeerRepository) OnPeerRemoved(fn func(*Peer)) func() {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	id := pr.nextSubID
	pr.nextSubID++
	pr.onRemoved[id] = fn
	return func() {
		pr.mu.Lock()
		defer pr.mu.Unlock()
		delete(pr.onRemoved, id)
	}
}

// NewPeerRepository returns an empty PeerRepository.
func NewPeerRepository() *PeerRepository {
	return &PeerRepository{
		peers:     make(map[string]*Peer),
		pending:   make(map[string]*Peer),
		apiNodes:  make(map[string]wire.PeerBroadcast),
		onRemoved: make(map[int]func(*Peer)),
	}
}

// subnetOf returns the /24 (IPv4) or /64 (IPv6) subnet of ip, or "" if ip is
// invalid.
func subnetOf(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	} else if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return parsed.Mask(net.CIDRMask(64, 128)).String() + "/64"
}
