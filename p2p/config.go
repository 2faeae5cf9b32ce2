package p2p

import "time"

// Constants recognized across the pool.
const (
	MaxPeerListBatchSize            = 100
	MaxPeerDiscoveryProbeSampleSize = 100
)

// Config carries the pool's limits, timeouts, and pluggable selectors.
// Zero-valued fields are replaced with their defaults by NewPool.
type Config struct {
	ConnectTimeout time.Duration
	AckTimeout     time.Duration

	PeerSelectionForSend       SelectForSendFunc
	PeerSelectionForRequest    SelectForRequestFunc
	PeerSelectionForConnection SelectForConnectionFunc

	SendPeerLimit int

	PeerBanTime time.Duration
	BanThreshold int

	MaxOutboundConnections int
	MaxInboundConnections  int

	OutboundEvictionInterval time.Duration

	// RateLimitPerSecond and RateLimitBurst bound inbound messages per
	// peer; zero disables per-peer rate limiting.
	RateLimitPerSecond float64
	RateLimitBurst     float64

	// PoolRateLimitPerSecond and PoolRateLimitBurst bound inbound messages
	// across every connected peer combined; zero disables the pool-wide
	// ceiling. This sits above the per-peer tokenBucket tier: a single
	// noisy peer is throttled by its own bucket first, but a pool-wide
	// surge across many well-behaved peers is still capped here.
	PoolRateLimitPerSecond float64
	PoolRateLimitBurst     int
}

const (
	defaultConnectTimeout           = 2 * time.Second
	defaultAckTimeout                = 10 * time.Second
	defaultSendPeerLimit             = 16
	defaultPeerBanTime               = 0 // must be set explicitly by the host
	defaultBanThreshold              = 100
	defaultOutboundEvictionInterval  = 0 // disabled unless configured
)

func (c *Config) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.SendPeerLimit <= 0 {
		c.SendPeerLimit = defaultSendPeerLimit
	}
	if c.BanThreshold <= 0 {
		c.BanThreshold = defaultBanThreshold
	}
	if c.PeerSelectionForSend == nil {
		c.PeerSelectionForSend = DefaultSelectForSend
	}
	if c.PeerSelectionForRequest == nil {
		c.PeerSelectionForRequest = DefaultSelectForRequest
	}
	if c.PeerSelectionForConnection == nil {
		c.PeerSelectionForConnection = DefaultSelectForConnection
	}
}
