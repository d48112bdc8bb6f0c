package wire

import (
	"errors"
	"fmt"
	"net"

	"go.sia.tech/core/types"
)

// ValidateBroadcast checks that a peer address is well-formed.
func ValidateBroadcast(pb PeerBroadcast) error {
	if net.ParseIP(pb.IP) == nil {
		return fmt.Errorf("invalid peer ip %q", pb.IP)
	}
	switch pb.Protocol {
	case "", ProtocolSiaMux, ProtocolQUIC:
	default:
		return fmt.Errorf("unknown protocol %q", pb.Protocol)
	}
	return nil
}

func validateBuffers(kind string, bufs [][]byte, max int) error {
	if max > 0 && len(bufs) > max {
		return fmt.Errorf("too many %s: %d > %d", kind, len(bufs), max)
	}
	for i, b := range bufs {
		if len(b) == 0 {
			return fmt.Errorf("%s %d is empty", kind, i)
		}
	}
	return nil
}

// ValidateResponse implements Object.
func (r *RPCGetBlocks) ValidateResponse() error {
	return validateBuffers("blocks", r.Blocks, MaxDownloadBlocks)
}

// ValidateResponse implements Object.
func (r *RPCGetMessages) ValidateResponse() error {
	if err := validateBuffers("prevotes", r.Prevotes, 0); err != nil {
		return err
	}
	return validateBuffers("precommits", r.Precommits, 0)
}

// ValidateResponse implements Object.
func (r *RPCGetProposal) ValidateResponse() error { return nil }

// ValidateResponse implements Object.
func (r *RPCGetPeers) ValidateResponse() error {
	if len(r.Peers) > MaxPeersGetPeers {
		return fmt.Errorf("too many peers: %d > %d", len(r.Peers), MaxPeersGetPeers)
	}
	for _, p := range r.Peers {
		if err := ValidateBroadcast(p); err != nil {
			return err
		}
	}
	return nil
}

// ValidateResponse implements Object.
func (r *RPCGetAPINodes) ValidateResponse() error {
	if len(r.APINodes) > MaxPeersGetPeers {
		return fmt.Errorf("too many api nodes: %d > %d", len(r.APINodes), MaxPeersGetPeers)
	}
	for _, p := range r.APINodes {
		if err := ValidateBroadcast(p); err != nil {
			return err
		}
	}
	return nil
}

func lengthBetween(field, s string, min, max int) error {
	if len(s) < min || len(s) > max {
		return fmt.Errorf("%s length %d not in [%d, %d]", field, len(s), min, max)
	}
	return nil
}

// ValidateResponse implements Object.
func (r *RPCGetStatus) ValidateResponse() error {
	c := r.Config
	for _, check := range []error{
		lengthBetween("version", c.Version, 5, 24),
		lengthBetween("network name", c.Network.Name, 1, 20),
		lengthBetween("explorer", c.Network.Explorer, 0, 128),
		lengthBetween("token name", c.Network.Token.Name, 1, 8),
		lengthBetween("token symbol", c.Network.Token.Symbol, 1, 4),
	} {
		if check != nil {
			return check
		}
	}
	if c.Network.Nethash == (types.Hash256{}) {
		return errors.New("missing nethash")
	} else if len(c.Plugins) > 32 {
		return fmt.Errorf("too many plugins: %d", len(c.Plugins))
	}
	for name := range c.Plugins {
		if err := lengthBetween("plugin name", name, 4, 64); err != nil {
			return err
		}
	}
	if r.State.Height < 1 {
		return errors.New("state height must be at least 1")
	}
	return nil
}

// ValidateResponse implements Object.
func (r *RPCPostPrevote) ValidateResponse() error { return nil }

// ValidateResponse implements Object.
func (r *RPCPostPrecommit) ValidateResponse() error { return nil }

// ValidateResponse implements Object.
func (r *RPCPostProposal) ValidateResponse() error { return nil }

// ValidateResponse implements Object.
func (r *RPCPostTransactions) ValidateResponse() error { return nil }
