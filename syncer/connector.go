package syncer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"go.uber.org/zap"
)

// ConnectionCooldown is the minimum time between two connection attempts to
// the same IP.
const ConnectionCooldown = 10 * time.Second

type connEntry struct {
	create sync.Mutex // held while dialing

	// guarded by PeerConnector.mu
	t       transport
	created time.Time
}

// A PeerConnector maintains one transport per peer IP.
type PeerConnector struct {
	log      *zap.Logger
	dialer   net.Dialer
	port     uint16
	cooldown time.Duration

	mu    sync.Mutex
	conns map[string]*connEntry
}

func (pc *PeerConnector) entry(ip string) *connEntry {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	e, ok := pc.conns[ip]
	if !ok {
		e = new(connEntry)
		pc.conns[ip] = e
	}
	return e
}

// Connection returns the cached transport to ip, if any.
func (pc *PeerConnector) Connection(ip string) (transport, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	e, ok := pc.conns[ip]
	if !ok || e.t == nil {
		return nil, false
	}
	return e.t, true
}

// Connect returns the cached transport to p or creates a new one. Creation
// waits until ConnectionCooldown has passed since the previous attempt for
// the same IP.
func (pc *PeerConnector) Connect(ctx context.Context, p *Peer) (transport, error) {
	if t, ok := pc.Connection(p.IP); ok {
		return t, nil
	}

	e := pc.entry(p.IP)
	e.create.Lock()
	defer e.create.Unlock()

	pc.mu.Lock()
	t, wait := e.t, pc.cooldown-time.Since(e.created)
	pc.mu.Unlock()
	if t != nil {
		return t, nil
	}

	if wait > 0 {
		pc.log.Debug("waiting for connection cooldown", zap.String("peer", p.IP), zap.Duration("wait", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	t, err := dialTransport(ctx, &pc.dialer, p)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	e.created = time.Now()
	if err != nil {
		return nil, err
	}
	// the entry may have been pruned by Disconnect while dialing
	if cur, ok := pc.conns[p.IP]; ok && cur != e && cur.t != nil {
		t.Close()
		return cur.t, nil
	}
	pc.conns[p.IP] = e
	e.t = t
	return t, nil
}

// Emit sends obj to p and waits at most timeout for the response. It returns
// the header attached to the response.
func (pc *PeerConnector) Emit(ctx context.Context, p *Peer, local wire.Header, obj wire.Object, timeout time.Duration) (wire.Header, error) {
	t, err := pc.Connect(ctx, p)
	if err != nil {
		return wire.Header{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	s, err := t.openStream(ctx)
	if err != nil {
		return wire.Header{}, fmt.Errorf("failed to open stream: %w", err)
	}
	defer s.Close()

	deadline, _ := ctx.Deadline()
	if err := s.SetDeadline(deadline); err != nil {
		return wire.Header{}, fmt.Errorf("failed to set deadline: %w", err)
	}
	// interrupt blocked reads if the parent context is cancelled
	stop := context.AfterFunc(ctx, func() { s.SetDeadline(time.Now()) })
	defer stop()

	remote, err := wire.Call(s, pc.port, local, obj)
	if err != nil && ctx.Err() != nil {
		return remote, fmt.Errorf("%v: %w", err, ctx.Err())
	}
	return remote, err
}

// Disconnect closes and forgets the transport to ip. It is a no-op if no
// transport exists.
func (pc *PeerConnector) Disconnect(ip string) {
	pc.mu.Lock()
	e, ok := pc.conns[ip]
	var t transport
	if ok {
		t, e.t = e.t, nil
		if time.Since(e.created) >= pc.cooldown {
			delete(pc.conns, ip)
		}
	}
	pc.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			pc.log.Debug("failed to close transport", zap.String("peer", ip), zap.Error(err))
		}
	}
}

// Close closes all transports.
func (pc *PeerConnector) Close() {
	pc.mu.Lock()
	var ts []transport
	for ip, e := range pc.conns {
		if e.t != nil {
			ts = append(ts, e.t)
		}
		delete(pc.conns, ip)
	}
	pc.mu.Unlock()
	for _, t := range ts {
		t.Close()
	}
}

// NewPeerConnector returns a PeerConnector. Outbound requests advertise port
// as the local listening port; if localIP is set, outbound TCP connections
// originate from it.
func NewPeerConnector(port uint16, localIP net.IP, log *zap.Logger) *PeerConnector {
	pc := &PeerConnector{
		log:      log,
		port:     port,
		cooldown: ConnectionCooldown,
		conns:    make(map[string]*connEntry),
	}
	if localIP != nil && !localIP.IsUnspecified() {
		pc.dialer.LocalAddr = &net.TCPAddr{IP: localIP}
	}
	return pc
}
