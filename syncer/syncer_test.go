package syncer_test

import (
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/syncer"
	"github.com/ArkEcosystem/mainsail-sub003/testutil"
	"github.com/ArkEcosystem/mainsail-sub003/testutil/certs"
	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"go.sia.tech/core/types"
	"go.uber.org/zap/zaptest"
)

// helper to wait for a condition to become true
func waitFor(t *testing.T, msg string, fn func() bool) {
	t.Helper()
	for range 100 {
		if fn() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("timed out waiting:", msg)
}

func listen(t *testing.T, ip string) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func startSyncer(t *testing.T, l net.Listener, cm syncer.ChainManager, network wire.NetworkConfig, opts ...syncer.Option) (*syncer.Syncer, *testutil.EphemeralBanStore) {
	t.Helper()
	bans := testutil.NewEphemeralBanStore()
	opts = append([]syncer.Option{
		syncer.WithLogger(zaptest.NewLogger(t).Named(l.Addr().String())),
		syncer.WithAllowLocalPeers(true),
		syncer.WithDisableDiscovery(true),
	}, opts...)
	s := syncer.New(l, cm, bans, network, opts...)
	t.Cleanup(func() { s.Close() })
	go s.Run()
	return s, bans
}

func newTestSyncer(t *testing.T, ip string, cm syncer.ChainManager, opts ...syncer.Option) (*syncer.Syncer, *testutil.EphemeralBanStore) {
	t.Helper()
	return startSyncer(t, listen(t, ip), cm, testutil.Network(), opts...)
}

func broadcastOf(t *testing.T, s *syncer.Syncer) wire.PeerBroadcast {
	t.Helper()
	host, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		t.Fatal(err)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		t.Fatal(err)
	}
	return wire.PeerBroadcast{IP: host, Port: uint16(n), Protocol: wire.ProtocolSiaMux}
}

func connect(t *testing.T, s, peer *syncer.Syncer) *syncer.Peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := s.Connect(ctx, broadcastOf(t, peer))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// helper to wait for all provided chains to be synced
func synced(t *testing.T, cm ...*testutil.MemChain) {
	t.Helper()
	waitFor(t, "chains to sync", func() bool {
		for _, c := range cm[1:] {
			if c.LastBlock() != cm[0].LastBlock() {
				return false
			}
		}
		return true
	})
}

func TestSyncBlocks(t *testing.T) {
	cm1 := testutil.NewMemChain("test", 3, 1)
	cm2 := testutil.NewMemChain("test", 3, 2*wire.MaxDownloadBlocks+50)
	s1, _ := newTestSyncer(t, "127.0.0.1", cm1)
	s2, _ := newTestSyncer(t, "127.0.0.2", cm2)

	p := connect(t, s1, s2)
	if p.Version() != "0.0.1" {
		t.Fatalf("expected peer version 0.0.1, got %q", p.Version())
	} else if !p.Verified() {
		t.Fatal("expected peer to be verified")
	}

	synced(t, cm1, cm2)
	waitFor(t, "block jobs to drain", func() bool { return !s1.IsDownloadingBlocks() })

	// the remote peer learns about us from our requests
	waitFor(t, "inbound peer to be accepted", func() bool {
		_, err := s2.Peer("127.0.0.1")
		return err == nil
	})

	// new blocks are picked up from the peer's headers
	cm2.MineBlocks(10)
	if err := s2.BroadcastTransactions(context.Background(), [][]byte{{1}}); err != nil {
		t.Fatal(err)
	}
	synced(t, cm1, cm2)
}

func TestSyncRound(t *testing.T) {
	cm1 := testutil.NewMemChain("test", 4, 5)
	cm2 := testutil.NewMemChain("test", 4, 5)
	cm2.AddVotes([]int{0, 1, 2}, []int{0, 1})
	cm2.SetProposal()

	s1, _ := newTestSyncer(t, "127.0.0.1", cm1)
	s2, _ := newTestSyncer(t, "127.0.0.2", cm2)
	connect(t, s1, s2)

	waitFor(t, "round to sync", func() bool {
		rs := cm1.RoundState()
		return rs.HasProposal &&
			slices.Equal(rs.Prevotes, []bool{true, true, true, false}) &&
			slices.Equal(rs.Precommits, []bool{true, true, false, false})
	})
}

func TestBroadcast(t *testing.T) {
	cm1 := testutil.NewMemChain("test", 4, 5)
	cm2 := testutil.NewMemChain("test", 4, 5)
	s1, _ := newTestSyncer(t, "127.0.0.1", cm1)
	s2, _ := newTestSyncer(t, "127.0.0.2", cm2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s1.BroadcastPrevote(ctx, testutil.EncodeVote(6, 0, 3)); !errors.Is(err, syncer.ErrNoPeers) {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}

	connect(t, s1, s2)

	txns := [][]byte{{1, 2, 3}, {4, 5}}
	if err := s1.BroadcastTransactions(ctx, txns); err != nil {
		t.Fatal(err)
	} else if err := s1.BroadcastPrevote(ctx, testutil.EncodeVote(6, 0, 3)); err != nil {
		t.Fatal(err)
	} else if err := s1.BroadcastPrecommit(ctx, testutil.EncodeVote(6, 0, 2)); err != nil {
		t.Fatal(err)
	} else if err := s1.BroadcastProposal(ctx, testutil.EncodeProposal(6, 0)); err != nil {
		t.Fatal(err)
	}

	if got := cm2.Transactions(); len(got) != 2 || !slices.Equal(got[0], txns[0]) || !slices.Equal(got[1], txns[1]) {
		t.Fatalf("expected transactions %v, got %v", txns, got)
	}
	rs := cm2.RoundState()
	if !rs.Prevotes[3] || !rs.Precommits[2] || !rs.HasProposal {
		t.Fatalf("expected broadcast votes and proposal to be processed, got %+v", rs)
	}

	// a rejected message is reported to the caller
	if err := s1.BroadcastPrevote(ctx, testutil.EncodeVote(6, 1, 3)); err == nil {
		t.Fatal("expected prevote for another round to be rejected")
	}
}

func TestBanInvalidBlocks(t *testing.T) {
	cm1 := testutil.NewMemChain("test", 3, 3)
	cm2 := testutil.NewMemChain("test", 3, 3)
	cm2.AppendBlocks(testutil.InvalidBlockAt("test", 4), testutil.InvalidBlockAt("test", 5))

	s1, bans := newTestSyncer(t, "127.0.0.1", cm1)
	s2, _ := newTestSyncer(t, "127.0.0.2", cm2)
	connect(t, s1, s2)

	waitFor(t, "peer to be banned", func() bool {
		banned, _ := bans.Banned("127.0.0.2")
		return banned
	})
	if _, err := s1.Peer("127.0.0.2"); !errors.Is(err, syncer.ErrPeerNotFound) {
		t.Fatalf("expected banned peer to be removed, got %v", err)
	} else if cm1.LastHeight() != 3 {
		t.Fatalf("expected no blocks to be applied, got height %d", cm1.LastHeight())
	}

	if _, err := s1.Connect(context.Background(), broadcastOf(t, s2)); !errors.Is(err, syncer.ErrPeerBanned) {
		t.Fatalf("expected ErrPeerBanned, got %v", err)
	}
}

func TestConnectRejected(t *testing.T) {
	cm := testutil.NewMemChain("test", 3, 3)

	t.Run("nethash", func(t *testing.T) {
		network := testutil.Network()
		network.Nethash = types.HashBytes([]byte("mainnet"))
		s1, _ := newTestSyncer(t, "127.0.0.1", cm)
		s2, _ := startSyncer(t, listen(t, "127.0.0.2"), cm, network)

		if _, err := s1.Connect(context.Background(), broadcastOf(t, s2)); err == nil {
			t.Fatal("expected peer on another network to be rejected")
		} else if len(s1.Peers()) != 0 {
			t.Fatal("expected no peers")
		}
	})

	t.Run("version", func(t *testing.T) {
		s1, _ := newTestSyncer(t, "127.0.0.1", cm, syncer.WithMinVersion("1.0.0"))
		s2, _ := newTestSyncer(t, "127.0.0.2", cm, syncer.WithVersion("0.9.0"))

		if _, err := s1.Connect(context.Background(), broadcastOf(t, s2)); err == nil {
			t.Fatal("expected outdated peer to be rejected")
		} else if len(s1.Peers()) != 0 {
			t.Fatal("expected no peers")
		}
	})

	t.Run("blacklist", func(t *testing.T) {
		s1, _ := newTestSyncer(t, "127.0.0.1", cm, syncer.WithBlacklist([]string{"127.0.0.2"}))
		s2, _ := newTestSyncer(t, "127.0.0.2", cm)

		if _, err := s1.Connect(context.Background(), broadcastOf(t, s2)); err == nil {
			t.Fatal("expected blacklisted peer to be rejected")
		}
	})
}

func TestCheckNetworkHealth(t *testing.T) {
	cm1 := testutil.NewMemChain("ours", 3, 10)
	s1, _ := newTestSyncer(t, "127.0.0.1", cm1)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if status := s1.CheckNetworkHealth(ctx); status.Forked {
		t.Fatal("expected no fork without peers")
	}

	for _, ip := range []string{"127.0.0.2", "127.0.0.3"} {
		s, _ := newTestSyncer(t, ip, testutil.NewMemChain("theirs", 3, 10))
		p := connect(t, s1, s)
		if vr, ok := p.VerificationResult(); !ok || !vr.Forked || vr.HighestCommonHeight != 9 {
			t.Fatalf("expected peer to be on a fork at height 9, got %+v", vr)
		}
	}

	status := s1.CheckNetworkHealth(ctx)
	if !status.Forked {
		t.Fatal("expected network to be on a fork")
	} else if status.BlocksToRollback != 1 {
		t.Fatalf("expected rollback of 1 block, got %d", status.BlocksToRollback)
	}
}

func TestQUIC(t *testing.T) {
	cm1 := testutil.NewMemChain("test", 3, 1)
	cm2 := testutil.NewMemChain("test", 3, 20)

	l := listen(t, "127.0.0.2")
	port := l.Addr().(*net.TCPAddr).Port
	conn, err := net.ListenPacket("udp", net.JoinHostPort("127.0.0.2", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	ql, err := syncer.ListenQUIC(conn, new(certs.EphemeralCertManager))
	if err != nil {
		t.Fatal(err)
	}

	s1, _ := newTestSyncer(t, "127.0.0.1", cm1)
	startSyncer(t, l, cm2, testutil.Network(), syncer.WithQUICListener(ql))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := s1.Connect(ctx, wire.PeerBroadcast{IP: "127.0.0.2", Port: uint16(port), Protocol: wire.ProtocolQUIC})
	if err != nil {
		t.Fatal(err)
	} else if p.Protocol != wire.ProtocolQUIC {
		t.Fatalf("expected quic peer, got %v", p.Protocol)
	}
	synced(t, cm1, cm2)
}
