package wire

import (
	"errors"
	"fmt"
	"io"

	"go.sia.tech/core/types"
)

const (
	statusOK    = 0
	statusError = 1

	maxErrorLen = 1024
)

// ErrTooManyRequests is returned to peers that exceed their rate limit.
var ErrTooManyRequests = errors.New("too many requests")

// An RPCError is an error reported by the remote peer.
type RPCError struct {
	Message string
}

// Error implements error.
func (e *RPCError) Error() string {
	return "remote error: " + e.Message
}

// A RequestHeader precedes every request body.
type RequestHeader struct {
	ID types.Specifier
	// Port is the port the sender accepts connections on, or 0 if it does
	// not accept inbound connections.
	Port   uint16
	Header Header
}

// Call writes a request to rw and reads the response into r. The remote
// header is returned even if the remote peer reported an error.
func Call(rw io.ReadWriter, port uint16, local Header, r Object) (Header, error) {
	e := types.NewEncoder(rw)
	r.ID().EncodeTo(e)
	e.WriteUint64(uint64(port))
	local.EncodeTo(e)
	r.EncodeRequest(e)
	if err := e.Flush(); err != nil {
		return Header{}, fmt.Errorf("couldn't write request: %w", err)
	}

	var remote Header
	d := types.NewDecoder(io.LimitedReader{R: rw, N: int64(maxHeaderLen + 1 + maxErrorLen + r.MaxResponseLen())})
	remote.DecodeFrom(d)
	status := d.ReadUint8()
	if err := d.Err(); err != nil {
		return Header{}, fmt.Errorf("couldn't read response: %w", err)
	}
	if status != statusOK {
		msg := d.ReadString()
		if err := d.Err(); err != nil {
			return remote, fmt.Errorf("couldn't read error: %w", err)
		}
		return remote, &RPCError{Message: msg}
	}
	r.DecodeResponse(d)
	if err := d.Err(); err != nil {
		return remote, fmt.Errorf("couldn't read response: %w", err)
	}
	return remote, nil
}

// ReadRequestHeader reads the route, sender port, and header of an incoming
// request.
func ReadRequestHeader(r io.Reader) (RequestHeader, error) {
	var rh RequestHeader
	d := types.NewDecoder(io.LimitedReader{R: r, N: int64(16 + 8 + maxHeaderLen)})
	rh.ID.DecodeFrom(d)
	rh.Port = uint16(d.ReadUint64())
	rh.Header.DecodeFrom(d)
	return rh, d.Err()
}

// ReadRequest reads the body of an incoming request into obj.
func ReadRequest(r io.Reader, obj Object) error {
	d := types.NewDecoder(io.LimitedReader{R: r, N: int64(obj.MaxRequestLen())})
	obj.DecodeRequest(d)
	return d.Err()
}

// WriteResponse writes a successful response.
func WriteResponse(w io.Writer, local Header, obj Object) error {
	e := types.NewEncoder(w)
	local.EncodeTo(e)
	e.WriteUint8(statusOK)
	obj.EncodeResponse(e)
	return e.Flush()
}

// WriteError writes an error response.
func WriteError(w io.Writer, local Header, err error) error {
	msg := err.Error()
	if len(msg) > maxErrorLen-8 {
		msg = msg[:maxErrorLen-8]
	}
	e := types.NewEncoder(w)
	local.EncodeTo(e)
	e.WriteUint8(statusError)
	e.WriteString(msg)
	return e.Flush()
}

// IsTooManyRequests reports whether err is a rate limit rejection from the
// remote peer.
func IsTooManyRequests(err error) bool {
	var re *RPCError
	return errors.As(err, &re) && re.Message == ErrTooManyRequests.Error()
}
