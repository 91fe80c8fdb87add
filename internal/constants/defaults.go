// Package constants defines shared configuration constants and defaults.
package constants

import "time"

// Ports - Service port defaults.
const (
	// DefaultDiscoveryPort is the UDP port for discovery and gossip datagrams.
	DefaultDiscoveryPort = 41420

	// DefaultRPCPort is the mTLS command dispatch port.
	DefaultRPCPort = 41235

	// DefaultHTTPPort is the plaintext local discovery proxy port.
	DefaultHTTPPort = 41421
)

// Timeouts - Default timeout values.
const (
	// DefaultDiscoveryTimeout bounds a single discovery probe round.
	DefaultDiscoveryTimeout = 2 * time.Second

	// DefaultReadDeadline bounds each blocking UDP read so shutdown
	// is always responsive within this window.
	DefaultReadDeadline = 1 * time.Second

	// DefaultTaskTimeout is the default command execution timeout.
	// Deliberately large so long-running scans are not cut short.
	DefaultTaskTimeout = 24 * time.Hour

	// DefaultHTTPTimeout bounds proxy request handling.
	DefaultHTTPTimeout = 30 * time.Second
)

// Intervals and TTLs.
const (
	// DefaultGossipInterval is how often the local peer set is pushed out.
	DefaultGossipInterval = 30 * time.Second

	// DefaultPeerTTL is how long a peer sighting stays valid without refresh.
	DefaultPeerTTL = 5 * time.Minute

	// DefaultSweepInterval is the optional background eviction cadence.
	DefaultSweepInterval = 1 * time.Minute
)

// Limits.
const (
	// MaxGossipPayload is the largest gossip datagram we will send.
	// Oversized payloads are dropped rather than fragmented, since UDP
	// delivery of fragmented datagrams is unreliable in practice.
	MaxGossipPayload = 48 * 1024

	// MaxDatagram is the receive buffer size for discovery sockets.
	MaxDatagram = 64 * 1024
)
