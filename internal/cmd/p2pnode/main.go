package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	mainsail "github.com/ArkEcosystem/mainsail-sub003"
	"github.com/ArkEcosystem/mainsail-sub003/syncer"
	"github.com/ArkEcosystem/mainsail-sub003/testutil"
	"github.com/ArkEcosystem/mainsail-sub003/testutil/certs"
	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// fileCertManager serves a certificate loaded from disk.
type fileCertManager struct {
	cert tls.Certificate
}

func (fc *fileCertManager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return &fc.cert, nil
}

func parsePeers(s string) ([]wire.PeerBroadcast, error) {
	var peers []wire.PeerBroadcast
	for _, addr := range strings.Split(s, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		protocol := wire.ProtocolSiaMux
		if rest, ok := strings.CutPrefix(addr, wire.ProtocolQUIC+"://"); ok {
			protocol, addr = wire.ProtocolQUIC, rest
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, err
		}
		peers = append(peers, wire.PeerBroadcast{IP: host, Port: uint16(n), Protocol: protocol})
	}
	return peers, nil
}

func main() {
	var (
		dir            string
		listenAddr     string
		peersStr       string
		metricsAddr    string
		certFile       string
		keyFile        string
		enableQUIC     bool
		allowLocal     bool
		validators     int
		height         int
		updateInterval time.Duration
		logLevel       zap.AtomicLevel
	)

	flag.StringVar(&dir, "dir", ".", "directory to store the ban list in")
	flag.StringVar(&listenAddr, "addr", ":4000", "p2p listen address")
	flag.StringVar(&peersStr, "peers", "", "comma-separated seed peers (host:port or quic://host:port)")
	flag.StringVar(&metricsAddr, "metrics.addr", "", "address to serve prometheus metrics on")
	flag.StringVar(&certFile, "tls.cert", "", "certificate for the QUIC listener")
	flag.StringVar(&keyFile, "tls.key", "", "key for the QUIC listener")
	flag.BoolVar(&enableQUIC, "quic", false, "also accept peers over QUIC")
	flag.BoolVar(&allowLocal, "allow.local", false, "allow peers on private networks")
	flag.IntVar(&validators, "validators", 53, "number of active validators")
	flag.IntVar(&height, "height", 1, "height of the local chain")
	flag.DurationVar(&updateInterval, "update.interval", 10*time.Second, "interval between status reports")
	flag.TextVar(&logLevel, "log.level", zap.NewAtomicLevelAt(zap.InfoLevel), "log level")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.RFC3339TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cfg.StacktraceKey = ""
	cfg.CallerKey = ""
	encoder := zapcore.NewConsoleEncoder(cfg)

	log := zap.New(zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), logLevel))
	defer log.Sync()
	zap.RedirectStdLog(log)

	seeds, err := parsePeers(peersStr)
	if err != nil {
		log.Panic("failed to parse peers", zap.Error(err))
	}

	bans, err := mainsail.OpenBoltBanStore(filepath.Join(dir, "bans.db"))
	if err != nil {
		log.Panic("failed to open ban store", zap.Error(err))
	}
	defer bans.Close()

	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Panic("failed to start listener", zap.Error(err))
	}
	defer l.Close()

	reg := prometheus.NewRegistry()
	opts := []syncer.Option{
		syncer.WithLogger(log.Named("syncer")),
		syncer.WithRegisterer(reg),
		syncer.WithSeedPeers(seeds),
		syncer.WithAllowLocalPeers(allowLocal),
	}

	if enableQUIC {
		var cm syncer.CertManager = new(certs.EphemeralCertManager)
		if certFile != "" {
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				log.Panic("failed to load certificate", zap.Error(err))
			}
			cm = &fileCertManager{cert: cert}
		}
		// QUIC peers use the same port number as TCP peers
		conn, err := net.ListenPacket("udp", l.Addr().String())
		if err != nil {
			log.Panic("failed to start QUIC listener", zap.Error(err))
		}
		defer conn.Close()
		ql, err := syncer.ListenQUIC(conn, cm)
		if err != nil {
			log.Panic("failed to start QUIC listener", zap.Error(err))
		}
		opts = append(opts, syncer.WithQUICListener(ql))
	}

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		defer srv.Close()
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	chain := testutil.NewMemChain("mainsail", validators, height)
	s := syncer.New(l, chain, bans, testutil.Network(), opts...)
	defer s.Close()
	go func() {
		if err := s.Run(); err != nil {
			log.Error("syncer stopped", zap.Error(err))
			cancel()
		}
	}()

	log.Info("node started", zap.String("addr", s.Addr()), zap.Int("seeds", len(seeds)), zap.Bool("quic", enableQUIC))

	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-ticker.C:
			log.Info("status",
				zap.Uint64("height", chain.LastHeight()),
				zap.Uint64("networkHeight", s.NetworkHeight()),
				zap.Int("peers", len(s.Peers())),
				zap.Bool("downloading", s.IsDownloadingBlocks()))
		}
	}
}
