package syncer

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
)

// A VerificationResult records the outcome of checking the state claimed by
// a peer against our chain.
type VerificationResult struct {
	MyHeight            uint64    `json:"myHeight"`
	HisHeight           uint64    `json:"hisHeight"`
	HighestCommonHeight uint64    `json:"highestCommonHeight"`
	Forked              bool      `json:"forked"`
	Invalid             bool      `json:"invalid"`
	Time                time.Time `json:"time"`
}

// Verified reports whether the peer's claimed state is consistent and on our
// chain.
func (vr VerificationResult) Verified() bool {
	return !vr.Forked && !vr.Invalid
}

// A Peer is a remote node. Peers are stored by IP in the PeerRepository; all
// state is guarded by the peer's mutex.
type Peer struct {
	IP       string
	Port     uint16
	Protocol string

	mu                 sync.Mutex
	header             wire.Header
	version            string
	verification       *VerificationResult
	ports              map[string]int
	plugins            map[string]wire.Plugin
	sequentialErrors   int
	latency            time.Duration
	lastPinged         time.Time
	lastHeaderReceived time.Time
}

// NewPeer returns a peer for the given address.
func NewPeer(pb wire.PeerBroadcast) *Peer {
	if pb.Protocol == "" {
		pb.Protocol = wire.ProtocolSiaMux
	}
	return &Peer{
		IP:       pb.IP,
		Port:     pb.Port,
		Protocol: pb.Protocol,
		ports:    make(map[string]int),
		plugins:  make(map[string]wire.Plugin),
	}
}

// String implements fmt.Stringer.
func (p *Peer) String() string {
	return p.Protocol + "://" + p.Address()
}

// Address returns the dialable host:port of the peer.
func (p *Peer) Address() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(int(p.Port)))
}

// Broadcast returns the public address of the peer.
func (p *Peer) Broadcast() wire.PeerBroadcast {
	return wire.PeerBroadcast{IP: p.IP, Port: p.Port, Protocol: p.Protocol}
}

// Header returns a copy of the last header received from the peer.
func (p *Peer) Header() wire.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.Clone()
}

// Height returns the consensus height last advertised by the peer.
func (p *Peer) Height() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.Height
}

func (p *Peer) setHeader(h wire.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header = h.Clone()
	p.lastHeaderReceived = time.Now()
}

// Version returns the software version reported by the peer.
func (p *Peer) Version() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

func (p *Peer) setVersion(v string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.version = v
}

// Verified reports whether the peer's state was successfully verified.
func (p *Peer) Verified() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verification != nil && p.verification.Verified()
}

// VerificationResult returns the result of the last verification, if any.
func (p *Peer) VerificationResult() (VerificationResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verification == nil {
		return VerificationResult{}, false
	}
	return *p.verification, true
}

func (p *Peer) setVerificationResult(vr VerificationResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verification = &vr
}

// Plugins returns the plugins advertised by the peer.
func (p *Peer) Plugins() map[string]wire.Plugin {
	p.mu.Lock()
	defer p.mu.Unlock()
	plugins := make(map[string]wire.Plugin, len(p.plugins))
	for k, v := range p.plugins {
		plugins[k] = v
	}
	return plugins
}

// Ports returns the result of the last PingPorts call. A port of -1 means the
// plugin was unreachable.
func (p *Peer) Ports() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ports := make(map[string]int, len(p.ports))
	for k, v := range p.ports {
		ports[k] = v
	}
	return ports
}

func (p *Peer) setPort(name string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ports[name] = port
}

func (p *Peer) setStatus(plugins map[string]wire.Plugin) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plugins = plugins
	p.lastPinged = time.Now()
}

// RecentlyPinged reports whether the peer was pinged within d.
func (p *Peer) RecentlyPinged(d time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.lastPinged.IsZero() && time.Since(p.lastPinged) < d
}

// Latency returns the duration of the last successful request.
func (p *Peer) Latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// SequentialErrors returns the number of consecutive failed requests.
func (p *Peer) SequentialErrors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequentialErrors
}

func (p *Peer) recordSuccess(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequentialErrors = 0
	p.latency = latency
}

func (p *Peer) recordError() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequentialErrors++
	return p.sequentialErrors
}
