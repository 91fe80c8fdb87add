package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"github.com/funnel-mesh/funnel/internal/capability"
	"github.com/funnel-mesh/funnel/internal/constants"
	funnelerrors "github.com/funnel-mesh/funnel/internal/errors"
)

// ErrInvalidAddress marks a probe target that cannot be parsed as an
// IP address. Not retryable, unlike a lost datagram.
var ErrInvalidAddress = errors.New("invalid peer address")

// ProberConfig configures the active discovery probe.
type ProberConfig struct {
	// Group is the multicast group address (no port).
	Group string

	// Port is the discovery port probes are sent to.
	Port int

	// DefaultTimeout bounds a probe round when the caller passes none.
	DefaultTimeout time.Duration
}

// Prober actively searches the network for peers: multicast on every
// viable interface, subnet broadcast as a same-LAN fallback, then a
// bounded collection window for unicast replies.
type Prober struct {
	config ProberConfig
	self   capability.Descriptor
	logger zerolog.Logger
}

// NewProber creates a Prober advertising the given local descriptor.
func NewProber(cfg ProberConfig, self capability.Descriptor, logger zerolog.Logger) *Prober {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = constants.DefaultDiscoveryTimeout
	}
	return &Prober{
		config: cfg,
		self:   self,
		logger: logger.With().Str("component", "prober").Logger(),
	}
}

// Discover probes the network and returns every peer that answered
// within the timeout, deduplicated by agent id (first response wins).
// The address a reply arrived from overrides anything the peer
// self-reported. The local descriptor, with a best-guess outbound
// address, is always appended so callers see the complete picture.
func (p *Prober) Discover(ctx context.Context, timeout time.Duration) []capability.Descriptor {
	if timeout <= 0 {
		timeout = p.config.DefaultTimeout
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to bind probe socket")
		return []capability.Descriptor{p.self.WithAddress(OutboundIP())}
	}
	defer funnelerrors.DeferClose(p.logger, conn, "probe socket close failed")

	p.sendProbes(conn)

	found := p.collect(ctx, conn, time.Now().Add(timeout))
	return append(found, p.self.WithAddress(OutboundIP()))
}

// ProbeAddr sends a directed discovery request to one address and waits
// for its capability reply. Used to bootstrap cross-subnet knowledge
// when multicast cannot reach the target.
func (p *Prober) ProbeAddr(ctx context.Context, ip string, timeout time.Duration) (capability.Descriptor, error) {
	if timeout <= 0 {
		timeout = p.config.DefaultTimeout
	}

	target := net.ParseIP(ip)
	if target == nil {
		return capability.Descriptor{}, fmt.Errorf("%w: %q", ErrInvalidAddress, ip)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return capability.Descriptor{}, fmt.Errorf("failed to bind probe socket: %w", err)
	}
	defer funnelerrors.DeferClose(p.logger, conn, "probe socket close failed")

	dst := &net.UDPAddr{IP: target, Port: p.config.Port}
	if _, err := conn.WriteToUDP([]byte(constants.DiscoverMagic), dst); err != nil {
		return capability.Descriptor{}, fmt.Errorf("failed to send probe to %s: %w", dst, err)
	}

	results := p.collect(ctx, conn, time.Now().Add(timeout))
	for _, desc := range results {
		if desc.IPAddress == ip {
			return desc, nil
		}
	}
	if len(results) > 0 {
		return results[0], nil
	}
	return capability.Descriptor{}, fmt.Errorf("no reply from %s within %s", ip, timeout)
}

// sendProbes fires the discovery magic at the multicast group once per
// viable interface, then at every subnet broadcast address. Individual
// send failures are noise: one successful path is enough.
func (p *Prober) sendProbes(conn *net.UDPConn) {
	group := &net.UDPAddr{IP: net.ParseIP(p.config.Group), Port: p.config.Port}
	probe := []byte(constants.DiscoverMagic)

	pc := ipv4.NewPacketConn(conn)
	sent := 0
	for _, iface := range multicastInterfaces() {
		iface := iface
		if err := pc.SetMulticastInterface(&iface); err != nil {
			p.logger.Debug().Err(err).Str("interface", iface.Name).Msg("Cannot select multicast interface")
			continue
		}
		if _, err := conn.WriteToUDP(probe, group); err != nil {
			p.logger.Debug().Err(err).Str("interface", iface.Name).Msg("Multicast probe failed")
			continue
		}
		sent++
	}

	if sent == 0 {
		// No per-interface send worked; let the OS route one.
		if _, err := conn.WriteToUDP(probe, group); err != nil {
			p.logger.Warn().Err(err).Msg("Multicast probe failed on default route")
		}
	}

	for _, bcast := range broadcastAddrs() {
		dst := &net.UDPAddr{IP: bcast, Port: p.config.Port}
		if _, err := conn.WriteToUDP(probe, dst); err != nil {
			// Broadcast is frequently administratively disabled.
			p.logger.Debug().Err(err).Str("addr", dst.String()).Msg("Broadcast probe failed")
		}
	}

	p.logger.Debug().Int("multicast_sends", sent).Msg("Probes sent")
}

// collect reads replies until the deadline, deduplicating by agent id.
// Short per-read deadlines keep the loop responsive to ctx cancellation.
func (p *Prober) collect(ctx context.Context, conn *net.UDPConn, deadline time.Time) []capability.Descriptor {
	seen := make(map[string]struct{})
	var out []capability.Descriptor
	buf := make([]byte, constants.MaxDatagram)

	for {
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return out
		}

		step := time.Now().Add(200 * time.Millisecond)
		if step.After(deadline) {
			step = deadline
		}
		if err := conn.SetReadDeadline(step); err != nil {
			return out
		}

		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			p.logger.Debug().Err(err).Msg("Probe read error")
			continue
		}

		var desc capability.Descriptor
		if err := json.Unmarshal(buf[:n], &desc); err != nil {
			p.logger.Debug().Err(err).Str("src", src.String()).Msg("Ignoring malformed discovery reply")
			continue
		}
		if desc.AgentID == "" || desc.AgentID == p.self.AgentID {
			continue
		}
		if _, dup := seen[desc.AgentID]; dup {
			// First response per id wins within a round.
			continue
		}
		seen[desc.AgentID] = struct{}{}

		// The packet source is authoritative, not the self-report.
		out = append(out, desc.WithAddress(src.IP.String()))
	}
}
