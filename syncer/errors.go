package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"go.sia.tech/core/types"
)

var (
	// ErrPeerBanned is returned when a peer is banned.
	ErrPeerBanned = errors.New("peer is banned")
	// ErrPeerNotFound is returned when the peer is not in the repository.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrNoPeers is returned when there are no peers available.
	ErrNoPeers = errors.New("no peers available")
)

// An ErrorKind classifies a failed interaction with a peer.
type ErrorKind int

// Error kinds.
const (
	// KindSocket is a failure of the underlying connection.
	KindSocket ErrorKind = iota
	// KindTimeout is a request that did not complete in time.
	KindTimeout
	// KindDisconnect is a connection closed by the remote peer.
	KindDisconnect
	// KindRemote is an error response sent by the remote peer.
	KindRemote
	// KindValidation is a reply that violates its shape contract.
	KindValidation
	// KindProtocol is a well-formed reply with invalid content: wrong
	// height or round, missing votes, bad signatures, bad blocks.
	KindProtocol
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindSocket:
		return "socket"
	case KindTimeout:
		return "timeout"
	case KindDisconnect:
		return "disconnect"
	case KindRemote:
		return "remote"
	case KindValidation:
		return "validation"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Transient reports whether errors of this kind indicate unavailability
// rather than misbehavior. Transient errors dispose a peer; all others ban it.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindSocket, KindTimeout, KindDisconnect, KindRemote:
		return true
	case KindValidation, KindProtocol:
		return false
	default:
		panic(fmt.Sprintf("unhandled error kind %d", int(k)))
	}
}

// A PeerError is an error attributed to a specific peer.
type PeerError struct {
	Kind  ErrorKind
	IP    string
	Route types.Specifier
	Err   error
}

// Error implements error.
func (e *PeerError) Error() string {
	if e.Route == (types.Specifier{}) {
		return fmt.Sprintf("%v error from peer %v: %v", e.Kind, e.IP, e.Err)
	}
	return fmt.Sprintf("%v error from peer %v (%v): %v", e.Kind, e.IP, e.Route, e.Err)
}

// Unwrap returns the underlying error.
func (e *PeerError) Unwrap() error { return e.Err }

// newProtocolError returns a KindProtocol error for the peer.
func newProtocolError(ip string, err error) *PeerError {
	return &PeerError{Kind: KindProtocol, IP: ip, Err: err}
}

// classifyError determines the kind of an error returned by the transport.
func classifyError(err error) ErrorKind {
	var pe *PeerError
	var re *wire.RPCError
	var ne net.Error
	switch {
	case errors.As(err, &pe):
		return pe.Kind
	case errors.As(err, &re):
		return KindRemote
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.As(err, &ne) && ne.Timeout():
		return KindTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return KindDisconnect
	default:
		return KindSocket
	}
}

// errorKind returns the kind of any error attributed to a peer. Errors that
// were not produced by the communicator are treated as protocol violations.
func errorKind(err error) ErrorKind {
	var pe *PeerError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindProtocol
}
