package syncer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"github.com/quic-go/quic-go"
	"go.sia.tech/mux"
	"lukechampine.com/frand"
)

// ALPN is the TLS application protocol negotiated by QUIC peers.
const ALPN = "mainsail/p2p"

// A CertManager provides the TLS certificate of a QUIC listener.
type CertManager interface {
	GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

type stream interface {
	io.ReadWriteCloser
	SetDeadline(time.Time) error
}

// A transport is a multiplexed connection to a single peer. Every request
// uses its own stream.
type transport interface {
	openStream(ctx context.Context) (stream, error)
	Close() error
}

type muxTransport struct {
	m *mux.Mux
}

func (mt *muxTransport) openStream(context.Context) (stream, error) {
	return mt.m.DialStream(), nil
}

func (mt *muxTransport) Close() error { return mt.m.Close() }

type quicTransport struct {
	qc quic.Connection
}

func (qt *quicTransport) openStream(ctx context.Context) (stream, error) {
	s, err := qt.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (qt *quicTransport) Close() error { return qt.qc.CloseWithError(0, "") }

func dialSiaMux(ctx context.Context, dialer *net.Dialer, addr string) (transport, error) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %q: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	m, err := mux.DialAnonymous(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to establish mux with %q: %w", addr, err)
	}
	return &muxTransport{m: m}, nil
}

func dialQUIC(ctx context.Context, addr string) (transport, error) {
	tc := &tls.Config{
		Rand:       frand.Reader,
		NextProtos: []string{ALPN},
		// peers are identified by IP; the certificate only encrypts the session
		InsecureSkipVerify: true,
	}
	qc, err := quic.DialAddr(ctx, addr, tc, &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %q: %w", addr, err)
	}
	return &quicTransport{qc: qc}, nil
}

func dialTransport(ctx context.Context, dialer *net.Dialer, p *Peer) (transport, error) {
	switch p.Protocol {
	case wire.ProtocolQUIC:
		return dialQUIC(ctx, p.Address())
	case wire.ProtocolSiaMux, "":
		return dialSiaMux(ctx, dialer, p.Address())
	default:
		return nil, fmt.Errorf("unknown protocol %q", p.Protocol)
	}
}

// ListenQUIC returns a QUIC listener on conn that accepts peer connections.
func ListenQUIC(conn net.PacketConn, certs CertManager) (*quic.Listener, error) {
	return quic.Listen(conn, &tls.Config{
		GetCertificate: certs.GetCertificate,
		NextProtos:     []string{ALPN},
	}, &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
	})
}

// hostIP returns the IP part of addr.
func hostIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
