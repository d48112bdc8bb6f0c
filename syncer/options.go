package syncer

import (
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

type config struct {
	RateLimit                 int
	RateLimitPostTransactions int
	MaxPeerSequentialErrors   int
	MaxSameSubnetPeers        int
	MinimumNetworkReach       int
	PeerBanTime               time.Duration
	VerifyTimeout             time.Duration
	GetBlocksTimeout          time.Duration
	MaxBlockPayload           int

	Whitelist       []string
	Blacklist       []string
	RemoteAccess    []string
	SeedPeers       []wire.PeerBroadcast
	APINodes        []wire.PeerBroadcast
	Version         string
	MinVersion      string
	Plugins         map[string]wire.Plugin
	AllowLocalPeers bool

	DisableDiscovery           bool
	NetworkStatusInterval      time.Duration
	NetworkStatusRetryInterval time.Duration
	DownloadInterval           time.Duration
	CleanseInterval            time.Duration

	QUICListener *quic.Listener
	Logger       *zap.Logger
	Registerer   prometheus.Registerer
}

// An Option modifies a Syncer's configuration.
type Option func(*config)

// WithRateLimit sets the number of requests per second a peer IP may issue
// across all routes. The default is 100.
func WithRateLimit(n int) Option {
	return func(c *config) { c.RateLimit = n }
}

// WithRateLimitPostTransactions sets the number of PostTransactions requests
// per second a peer IP may issue. The default is 25.
func WithRateLimitPostTransactions(n int) Option {
	return func(c *config) { c.RateLimitPostTransactions = n }
}

// WithMaxPeerSequentialErrors sets the number of consecutive failed requests
// after which a peer is disposed. The default is 3.
func WithMaxPeerSequentialErrors(n int) Option {
	return func(c *config) { c.MaxPeerSequentialErrors = n }
}

// WithMaxSameSubnetPeers sets the maximum number of peers accepted from the
// same /24 subnet. Seed peers are exempt. The default is 5.
func WithMaxSameSubnetPeers(n int) Option {
	return func(c *config) { c.MaxSameSubnetPeers = n }
}

// WithMinimumNetworkReach sets the number of peers below which the syncer
// falls back to its seed peers. The default is 20.
func WithMinimumNetworkReach(n int) Option {
	return func(c *config) { c.MinimumNetworkReach = n }
}

// WithPeerBanTime sets the duration for which a misbehaving peer is banned.
// A duration of zero disables banning; misbehaving peers are only
// disconnected. The default is 5 minutes.
func WithPeerBanTime(d time.Duration) Option {
	return func(c *config) { c.PeerBanTime = d }
}

// WithVerifyTimeout sets the timeout for connecting to and verifying a new
// peer. The default is 10 seconds.
func WithVerifyTimeout(d time.Duration) Option {
	return func(c *config) { c.VerifyTimeout = d }
}

// WithGetBlocksTimeout sets the timeout for the GetBlocks RPC. The default is
// 30 seconds.
func WithGetBlocksTimeout(d time.Duration) Option {
	return func(c *config) { c.GetBlocksTimeout = d }
}

// WithMaxBlockPayload sets the maximum size of a single committed block. A
// GetBlocks reply within this margin of the payload limit is assumed to be
// truncated by size rather than incomplete. The default is 2 MiB.
func WithMaxBlockPayload(n int) Option {
	return func(c *config) { c.MaxBlockPayload = n }
}

// WithWhitelist restricts peers to the given IPs and CIDR subnets. "*"
// matches every IP. By default, every IP is allowed.
func WithWhitelist(patterns []string) Option {
	return func(c *config) { c.Whitelist = patterns }
}

// WithBlacklist rejects peers matching the given IPs and CIDR subnets.
func WithBlacklist(patterns []string) Option {
	return func(c *config) { c.Blacklist = patterns }
}

// WithRemoteAccess sets the IPs and CIDR subnets that bypass the inbound rate
// limiter.
func WithRemoteAccess(patterns []string) Option {
	return func(c *config) { c.RemoteAccess = patterns }
}

// WithSeedPeers sets the peers the syncer connects to on startup and whenever
// it has fewer peers than the minimum network reach.
func WithSeedPeers(peers []wire.PeerBroadcast) Option {
	return func(c *config) { c.SeedPeers = peers }
}

// WithAPINodes sets the API nodes the syncer knows about on startup.
func WithAPINodes(nodes []wire.PeerBroadcast) Option {
	return func(c *config) { c.APINodes = nodes }
}

// WithVersion sets the software version advertised to peers. The default is
// "0.0.1".
func WithVersion(v string) Option {
	return func(c *config) { c.Version = v }
}

// WithMinVersion sets the minimum software version peers must run. By
// default, any valid version is accepted.
func WithMinVersion(v string) Option {
	return func(c *config) { c.MinVersion = v }
}

// WithPlugins sets the plugins advertised via GetStatus.
func WithPlugins(plugins map[string]wire.Plugin) Option {
	return func(c *config) { c.Plugins = plugins }
}

// WithAllowLocalPeers allows peers on loopback and private networks.
func WithAllowLocalPeers(allow bool) Option {
	return func(c *config) { c.AllowLocalPeers = allow }
}

// WithDisableDiscovery disables peer discovery. The syncer only connects to
// its seed peers and to peers that connect to it.
func WithDisableDiscovery(disable bool) Option {
	return func(c *config) { c.DisableDiscovery = disable }
}

// WithNetworkStatusInterval sets the frequency at which the syncer discovers
// new peers and checks existing ones. The default is 10 minutes; if the
// syncer has fewer peers than the minimum network reach, the interval drops
// to 1 minute.
func WithNetworkStatusInterval(d time.Duration) Option {
	return func(c *config) { c.NetworkStatusInterval = d }
}

// WithDownloadInterval sets the frequency at which the downloaders are
// offered every connected peer, in addition to the offers triggered by
// received headers. The default is 5 seconds.
func WithDownloadInterval(d time.Duration) Option {
	return func(c *config) { c.DownloadInterval = d }
}

// WithCleanseInterval sets the frequency at which a random subset of peers
// is pinged. The default is 2 minutes.
func WithCleanseInterval(d time.Duration) Option {
	return func(c *config) { c.CleanseInterval = d }
}

// WithQUICListener makes the syncer accept peers on l in addition to its
// TCP listener.
func WithQUICListener(l *quic.Listener) Option {
	return func(c *config) { c.QUICListener = l }
}

// WithLogger sets the logger used by a Syncer. The default is a logger that
// outputs to io.Discard.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.Logger = l }
}

// WithRegisterer registers the syncer's metrics with reg. By default, metrics
// are collected but not registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.Registerer = reg }
}

func defaultConfig() config {
	return config{
		RateLimit:                  100,
		RateLimitPostTransactions:  25,
		MaxPeerSequentialErrors:    3,
		MaxSameSubnetPeers:         5,
		MinimumNetworkReach:        20,
		PeerBanTime:                5 * time.Minute,
		VerifyTimeout:              10 * time.Second,
		GetBlocksTimeout:           30 * time.Second,
		MaxBlockPayload:            2 << 20,
		Version:                    "0.0.1",
		NetworkStatusInterval:      10 * time.Minute,
		NetworkStatusRetryInterval: time.Minute,
		DownloadInterval:           5 * time.Second,
		CleanseInterval:            2 * time.Minute,
		Logger:                     zap.NewNop(),
	}
}
