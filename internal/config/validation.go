package config

import (
	"fmt"
	"net"
)

// Validate checks the configuration for values that would prevent a
// clean startup. Trust material presence is checked at startup by the
// agent, not here, because insecure mode legitimately runs without it.
func (c *Config) Validate() error {
	if err := validatePort("discovery.port", c.Discovery.Port); err != nil {
		return err
	}
	if err := validatePort("rpc.port", c.RPC.Port); err != nil {
		return err
	}
	if err := validatePort("http.port", c.HTTP.Port); err != nil {
		return err
	}

	ip := net.ParseIP(c.Discovery.MulticastGroup)
	if ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("discovery.multicast_group %q is not a multicast address", c.Discovery.MulticastGroup)
	}

	if c.Discovery.ProbeTimeout <= 0 {
		return fmt.Errorf("discovery.probe_timeout must be positive")
	}
	if c.Discovery.PeerTTL <= 0 {
		return fmt.Errorf("discovery.peer_ttl must be positive")
	}
	if c.Gossip.Interval <= 0 {
		return fmt.Errorf("gossip.interval must be positive")
	}

	if (c.Trust.CertFile == "") != (c.Trust.KeyFile == "") {
		return fmt.Errorf("trust.cert_file and trust.key_file must be set together")
	}

	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s %d is out of range", name, port)
	}
	return nil
}
