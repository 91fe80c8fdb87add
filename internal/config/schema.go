// Package config provides configuration loading and management.
package config

import (
	"time"

	"github.com/funnel-mesh/funnel/internal/constants"
)

// Config is the agent configuration. File values come from
// ~/.funnel/config.yaml; environment variables override the file.
type Config struct {
	// AgentID overrides the persisted agent identity.
	AgentID string `yaml:"agent_id,omitempty" env:"FUNNEL_AGENT_ID"`

	// LogLevel sets the logging level (debug, info, warn, error).
	LogLevel string `yaml:"log_level,omitempty" env:"FUNNEL_LOG_LEVEL"`

	// Capabilities lists the tool/feature tags this agent advertises.
	Capabilities []string `yaml:"capabilities,omitempty" env:"FUNNEL_CAPABILITIES"`

	// WorkspaceRoots lists the path prefixes requests may touch.
	WorkspaceRoots []string `yaml:"workspace_roots,omitempty" env:"FUNNEL_WORKSPACE_ROOTS"`

	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`
	Gossip    GossipConfig    `yaml:"gossip,omitempty"`
	Trust     TrustConfig     `yaml:"trust,omitempty"`
	RPC       RPCConfig       `yaml:"rpc,omitempty"`
	HTTP      HTTPConfig      `yaml:"http,omitempty"`
}

// DiscoveryConfig configures the UDP discovery listener and prober.
type DiscoveryConfig struct {
	Port           int           `yaml:"port,omitempty" env:"FUNNEL_DISCOVERY_PORT"`
	MulticastGroup string        `yaml:"multicast_group,omitempty" env:"FUNNEL_MULTICAST_GROUP"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout,omitempty" env:"FUNNEL_PROBE_TIMEOUT"`
	PeerTTL        time.Duration `yaml:"peer_ttl,omitempty" env:"FUNNEL_PEER_TTL"`
}

// GossipConfig configures the periodic peer-set exchange.
type GossipConfig struct {
	Interval time.Duration `yaml:"interval,omitempty" env:"FUNNEL_GOSSIP_INTERVAL"`
}

// TrustConfig configures the pinned-CA mTLS layer.
type TrustConfig struct {
	CertFile      string `yaml:"cert_file,omitempty" env:"FUNNEL_CERT_FILE"`
	KeyFile       string `yaml:"key_file,omitempty" env:"FUNNEL_KEY_FILE"`
	CertPassword  string `yaml:"cert_password,omitempty" env:"FUNNEL_CERT_PASSWORD"`
	CAFingerprint string `yaml:"ca_fingerprint,omitempty" env:"FUNNEL_CA_FINGERPRINT"`

	// Insecure disables the client certificate requirement on the RPC
	// surface. Development only; the trust layer warns loudly when set.
	Insecure bool `yaml:"insecure,omitempty" env:"FUNNEL_INSECURE"`
}

// RPCConfig configures the secured command dispatch server.
type RPCConfig struct {
	Port int `yaml:"port,omitempty" env:"FUNNEL_RPC_PORT"`
}

// HTTPConfig configures the plaintext local discovery proxy.
type HTTPConfig struct {
	Port     int  `yaml:"port,omitempty" env:"FUNNEL_HTTP_PORT"`
	Disabled bool `yaml:"disabled,omitempty" env:"FUNNEL_HTTP_DISABLED"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Capabilities: []string{
			"shell",
			"file-read",
			"file-write",
		},
		Discovery: DiscoveryConfig{
			Port:           constants.DefaultDiscoveryPort,
			MulticastGroup: constants.MulticastGroup,
			ProbeTimeout:   constants.DefaultDiscoveryTimeout,
			PeerTTL:        constants.DefaultPeerTTL,
		},
		Gossip: GossipConfig{
			Interval: constants.DefaultGossipInterval,
		},
		Trust: TrustConfig{
			CAFingerprint: constants.PinnedCAFingerprint,
		},
		RPC: RPCConfig{
			Port: constants.DefaultRPCPort,
		},
		HTTP: HTTPConfig{
			Port: constants.DefaultHTTPPort,
		},
	}
}

// applyDefaults fills zero values with defaults after file load.
func (c *Config) applyDefaults() {
	def := Default()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = def.Capabilities
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = def.Discovery.Port
	}
	if c.Discovery.MulticastGroup == "" {
		c.Discovery.MulticastGroup = def.Discovery.MulticastGroup
	}
	if c.Discovery.ProbeTimeout == 0 {
		c.Discovery.ProbeTimeout = def.Discovery.ProbeTimeout
	}
	if c.Discovery.PeerTTL == 0 {
		c.Discovery.PeerTTL = def.Discovery.PeerTTL
	}
	if c.Gossip.Interval == 0 {
		c.Gossip.Interval = def.Gossip.Interval
	}
	if c.Trust.CAFingerprint == "" {
		c.Trust.CAFingerprint = def.Trust.CAFingerprint
	}
	if c.RPC.Port == 0 {
		c.RPC.Port = def.RPC.Port
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = def.HTTP.Port
	}
}
