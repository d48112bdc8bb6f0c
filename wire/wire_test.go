package wire_test

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"go.sia.tech/core/types"
)

func serveOne(t *testing.T, conn net.Conn, handle func(wire.RequestHeader, wire.Object) error) {
	t.Helper()
	go func() {
		defer conn.Close()
		rh, err := wire.ReadRequestHeader(conn)
		if err != nil {
			t.Error(err)
			return
		}
		obj := wire.ObjectForID(rh.ID)
		if obj == nil {
			t.Errorf("unknown route %v", rh.ID)
			return
		}
		if err := wire.ReadRequest(conn, obj); err != nil {
			t.Error(err)
			return
		}
		local := wire.Header{Version: "3.0.0", Height: 20, Round: 1}
		if err := handle(rh, obj); err != nil {
			wire.WriteError(conn, local, err)
			return
		}
		wire.WriteResponse(conn, local, obj)
	}()
}

func TestCallGetBlocks(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()

	serveOne(t, s, func(rh wire.RequestHeader, obj wire.Object) error {
		r := obj.(*wire.RPCGetBlocks)
		if rh.Port != 4000 {
			t.Errorf("expected port 4000, got %d", rh.Port)
		} else if rh.Header.Height != 7 || len(rh.Header.ValidatorsSignedPrevote) != 3 {
			t.Errorf("unexpected request header %+v", rh.Header)
		} else if r.FromHeight != 5 || r.Limit != 2 {
			t.Errorf("unexpected request %+v", r)
		}
		r.Blocks = [][]byte{{1}, {2, 2}}
		return nil
	})

	local := wire.Header{Version: "3.0.0", Height: 7, ValidatorsSignedPrevote: []bool{true, false, true}}
	r := &wire.RPCGetBlocks{FromHeight: 5, Limit: 2}
	remote, err := wire.Call(c, 4000, local, r)
	if err != nil {
		t.Fatal(err)
	} else if remote.Height != 20 || remote.Round != 1 {
		t.Fatalf("unexpected remote header %+v", remote)
	} else if len(r.Blocks) != 2 || len(r.Blocks[1]) != 2 {
		t.Fatalf("unexpected blocks %v", r.Blocks)
	}
}

func TestCallRemoteError(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()

	serveOne(t, s, func(wire.RequestHeader, wire.Object) error {
		return wire.ErrTooManyRequests
	})

	remote, err := wire.Call(c, 0, wire.Header{Version: "3.0.0", Height: 1}, &wire.RPCGetPeers{})
	if !wire.IsTooManyRequests(err) {
		t.Fatalf("expected too many requests, got %v", err)
	} else if remote.Height != 20 {
		t.Fatalf("expected remote header with error, got %+v", remote)
	}
	var re *wire.RPCError
	if !errors.As(err, &re) {
		t.Fatal("expected RPCError")
	}
}

func TestValidateResponses(t *testing.T) {
	validStatus := func() *wire.RPCGetStatus {
		return &wire.RPCGetStatus{
			Config: wire.PeerConfig{
				Version: "3.0.0",
				Network: wire.NetworkConfig{
					Name:    "testnet",
					Nethash: types.Hash256{1},
					Token:   wire.Token{Name: "DARK", Symbol: "D"},
				},
				Plugins: map[string]wire.Plugin{"api-http": {Port: 4003, Enabled: true}},
			},
			State: wire.PeerState{Height: 10},
		}
	}

	tooManyBlocks := make([][]byte, wire.MaxDownloadBlocks+1)
	for i := range tooManyBlocks {
		tooManyBlocks[i] = []byte{1}
	}

	tests := []struct {
		name  string
		obj   wire.Object
		valid bool
	}{
		{"blocks ok", &wire.RPCGetBlocks{Blocks: [][]byte{{1}}}, true},
		{"too many blocks", &wire.RPCGetBlocks{Blocks: tooManyBlocks}, false},
		{"empty block", &wire.RPCGetBlocks{Blocks: [][]byte{{}}}, false},
		{"peers ok", &wire.RPCGetPeers{Peers: []wire.PeerBroadcast{{IP: "1.2.3.4", Port: 4000, Protocol: wire.ProtocolQUIC}}}, true},
		{"bad peer ip", &wire.RPCGetPeers{Peers: []wire.PeerBroadcast{{IP: "1.2.3"}}}, false},
		{"bad protocol", &wire.RPCGetPeers{Peers: []wire.PeerBroadcast{{IP: "1.2.3.4", Protocol: "ws"}}}, false},
		{"status ok", validStatus(), true},
		{"status short version", func() wire.Object { s := validStatus(); s.Config.Version = "3"; return s }(), false},
		{"status missing nethash", func() wire.Object { s := validStatus(); s.Config.Network.Nethash = types.Hash256{}; return s }(), false},
		{"status short plugin", func() wire.Object { s := validStatus(); s.Config.Plugins["api"] = wire.Plugin{}; return s }(), false},
		{"status zero height", func() wire.Object { s := validStatus(); s.State.Height = 0; return s }(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.obj.ValidateResponse()
			if tt.valid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			} else if !tt.valid && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestHeaderValidate(t *testing.T) {
	if err := (wire.Header{Version: "3.0.0", Height: 1, Step: 2}).Validate(); err != nil {
		t.Fatal(err)
	}
	if err := (wire.Header{Version: "3.0.0", Height: 0}).Validate(); err == nil || !strings.Contains(err.Error(), "height") {
		t.Fatalf("expected height error, got %v", err)
	}
	if err := (wire.Header{Version: "3.0.0", Height: 1, Step: 3}).Validate(); err == nil {
		t.Fatal("expected step error")
	}
}

func TestCallGetStatus(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()

	plugins := map[string]wire.Plugin{
		"api-http": {Port: 4003, Enabled: true},
		"api-evm":  {Port: 4008, EstimateTotalCount: true},
		"webhooks": {Port: 4004},
	}
	serveOne(t, s, func(_ wire.RequestHeader, obj wire.Object) error {
		r := obj.(*wire.RPCGetStatus)
		r.Config = wire.PeerConfig{Version: "3.0.0", Plugins: plugins}
		r.State = wire.PeerState{Height: 20, ForgingAllowed: true}
		return nil
	})

	r := &wire.RPCGetStatus{}
	if _, err := wire.Call(c, 0, wire.Header{Version: "3.0.0", Height: 1}, r); err != nil {
		t.Fatal(err)
	} else if len(r.Config.Plugins) != len(plugins) {
		t.Fatalf("expected %d plugins, got %v", len(plugins), r.Config.Plugins)
	} else if !r.State.ForgingAllowed || r.State.Height != 20 {
		t.Fatalf("unexpected state %+v", r.State)
	}
	for name, p := range plugins {
		if r.Config.Plugins[name] != p {
			t.Fatalf("plugin %q: expected %+v, got %+v", name, p, r.Config.Plugins[name])
		}
	}
}

func TestHeaderDecodeLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	e := types.NewEncoder(&buf)
	e.WriteString("3.0.0")
	e.WriteUint64(1)
	e.WriteUint64(0)
	e.WriteUint8(0)
	// a bitmap claiming far more entries than the stream holds
	e.WriteUint64(1 << 60)
	if err := e.Flush(); err != nil {
		t.Fatal(err)
	}

	var h wire.Header
	d := types.NewBufDecoder(buf.Bytes())
	h.DecodeFrom(d)
	if d.Err() == nil {
		t.Fatal("expected oversized length prefix to be rejected")
	} else if len(h.ValidatorsSignedPrevote) != 0 {
		t.Fatalf("expected no bitmap to be allocated, got %d entries", len(h.ValidatorsSignedPrevote))
	}
}
