package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"github.com/funnel-mesh/funnel/internal/capability"
	"github.com/funnel-mesh/funnel/internal/constants"
	funnelerrors "github.com/funnel-mesh/funnel/internal/errors"
	"github.com/funnel-mesh/funnel/internal/registry"
)

// ListenerConfig configures the discovery listener.
type ListenerConfig struct {
	// Port is the UDP port to bind.
	Port int

	// Group is the multicast group to join.
	Group string

	// ProbeTimeout bounds the fresh probe triggered by DISCOVER_PEERS.
	ProbeTimeout time.Duration
}

// Listener answers discovery requests and merges inbound gossip. It is
// one of the two writers feeding the peer registry (the other being the
// gossip service's merge path, which also lands here).
type Listener struct {
	config   ListenerConfig
	self     capability.Descriptor
	registry *registry.Registry
	prober   *Prober
	logger   zerolog.Logger
}

// NewListener creates a discovery listener.
func NewListener(cfg ListenerConfig, self capability.Descriptor, reg *registry.Registry, prober *Prober, logger zerolog.Logger) *Listener {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = constants.DefaultDiscoveryTimeout
	}
	return &Listener{
		config:   cfg,
		self:     self,
		registry: reg,
		prober:   prober,
		logger:   logger.With().Str("component", "discovery-listener").Logger(),
	}
}

// Run binds the discovery socket, joins the multicast group on every
// viable interface, and serves datagrams until the context is
// cancelled. Failure to bind is fatal; failure to join multicast
// degrades to the default interface with a warning, since unicast
// discovery still works.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: l.config.Port})
	if err != nil {
		return fmt.Errorf("failed to bind discovery port %d: %w", l.config.Port, err)
	}
	defer funnelerrors.DeferClose(l.logger, conn, "discovery socket close failed")

	l.joinMulticast(conn)

	l.logger.Info().
		Int("port", l.config.Port).
		Str("group", l.config.Group).
		Msg("Discovery listener started")

	buf := make([]byte, constants.MaxDatagram)
	for {
		if ctx.Err() != nil {
			l.logger.Info().Msg("Discovery listener stopped")
			return nil
		}

		// Bounded read so shutdown is responsive within the deadline.
		if err := conn.SetReadDeadline(time.Now().Add(constants.DefaultReadDeadline)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			l.logger.Debug().Err(err).Msg("Discovery read error")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		l.handle(ctx, conn, data, src)
	}
}

// joinMulticast joins the group on each multicast-capable interface so
// discovery works across every NIC/VLAN attached to the host, not just
// the OS default route.
func (l *Listener) joinMulticast(conn *net.UDPConn) {
	group := &net.UDPAddr{IP: net.ParseIP(l.config.Group)}
	pc := ipv4.NewPacketConn(conn)

	joined := 0
	for _, iface := range multicastInterfaces() {
		iface := iface
		if err := pc.JoinGroup(&iface, group); err != nil {
			l.logger.Debug().Err(err).Str("interface", iface.Name).Msg("Multicast join failed")
			continue
		}
		joined++
	}

	if joined == 0 {
		if err := pc.JoinGroup(nil, group); err != nil {
			l.logger.Warn().Err(err).
				Msg("No multicast join succeeded; discovery degraded to unicast and broadcast only")
			return
		}
		l.logger.Warn().Msg("Per-interface multicast joins failed; joined on default interface only")
		return
	}

	l.logger.Info().Int("interfaces", joined).Msg("Joined multicast group")
}

// handle dispatches one datagram. Anything unrecognized is dropped
// without a reply so stray packets cannot provoke traffic.
func (l *Listener) handle(ctx context.Context, conn *net.UDPConn, data []byte, src *net.UDPAddr) {
	msg, err := Decode(data)
	if err != nil {
		l.logger.Debug().Err(err).Str("src", src.String()).Msg("Ignoring malformed datagram")
		return
	}

	switch msg.Kind {
	case KindDiscover:
		l.replyCapabilities(conn, src)

	case KindDiscoverPeers:
		// The fresh probe blocks for its timeout; answer on the side so
		// the listener keeps serving.
		go l.replyPeers(ctx, conn, src)

	case KindGossip:
		l.mergeGossip(msg.Gossip, src)

	default:
		// Not ours. Silence keeps the protocol tolerant of noise.
	}
}

// replyCapabilities answers a DISCOVER with the local descriptor. The
// address field is left for the receiver to fill from this datagram's
// source, the same rule we apply to everyone else.
func (l *Listener) replyCapabilities(conn *net.UDPConn, src *net.UDPAddr) {
	data, err := json.Marshal(l.self)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to marshal local descriptor")
		return
	}
	if _, err := conn.WriteToUDP(data, src); err != nil {
		l.logger.Debug().Err(err).Str("src", src.String()).Msg("Capability reply failed")
		return
	}
	l.logger.Debug().Str("src", src.String()).Msg("Answered discovery request")
}

// replyPeers performs a fresh probe, folds the findings into the
// registry, and answers with the union of fresh, cached, and self.
func (l *Listener) replyPeers(ctx context.Context, conn *net.UDPConn, src *net.UDPAddr) {
	fresh := l.prober.Discover(ctx, l.config.ProbeTimeout)
	for _, desc := range fresh {
		l.registry.AddOrUpdate(desc)
	}

	byID := make(map[string]capability.Descriptor)
	for _, desc := range l.registry.GetAll() {
		byID[desc.AgentID] = desc
	}
	for _, desc := range fresh {
		byID[desc.AgentID] = desc
	}
	byID[l.self.AgentID] = l.self.WithAddress(OutboundIP())

	agents := make([]capability.Descriptor, 0, len(byID))
	for _, desc := range byID {
		agents = append(agents, desc)
	}

	resp := PeersResponse{
		DiscoveredBy: l.self.AgentID,
		Agents:       agents,
		Count:        len(agents),
	}
	data, err := json.Marshal(resp)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to marshal peers response")
		return
	}
	if _, err := conn.WriteToUDP(data, src); err != nil {
		l.logger.Debug().Err(err).Str("src", src.String()).Msg("Peers reply failed")
		return
	}
	l.logger.Debug().Str("src", src.String()).Int("count", resp.Count).Msg("Answered peer discovery request")
}

// mergeGossip folds a gossip payload into the registry. The sender's
// own entry gets its address pinned to the datagram source, so a peer
// cannot gossip itself an address it does not hold.
func (l *Listener) mergeGossip(payload *GossipPayload, src *net.UDPAddr) {
	added := 0
	for _, desc := range payload.Peers {
		if desc.AgentID == payload.SourceAgentID {
			if l.registry.AddOrUpdate(desc.WithAddress(src.IP.String())) {
				added++
			}
		}
	}

	added += l.registry.MergeGossip(payload.Peers, payload.SourceAgentID)
	if added > 0 {
		l.logger.Info().
			Str("source", payload.SourceAgentID).
			Int("new_peers", added).
			Msg("Learned new peers from gossip")
	} else {
		l.logger.Debug().Str("source", payload.SourceAgentID).Msg("Gossip merged, nothing new")
	}
}
