// Package gossip periodically pushes the locally known peer set to every
// registered peer, propagating discovery knowledge across subnets that
// multicast cannot cross.
package gossip

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/funnel-mesh/funnel/internal/capability"
	"github.com/funnel-mesh/funnel/internal/constants"
	"github.com/funnel-mesh/funnel/internal/discovery"
	funnelerrors "github.com/funnel-mesh/funnel/internal/errors"
	"github.com/funnel-mesh/funnel/internal/registry"
)

// Config configures the gossip service.
type Config struct {
	// Interval between gossip rounds.
	Interval time.Duration

	// Port is the discovery port peers without an advertised port are
	// gossiped to.
	Port int
}

// Service owns the outbound half of the gossip protocol. Inbound gossip
// is handled by the discovery listener; this side only sends.
type Service struct {
	config   Config
	self     capability.Descriptor
	registry *registry.Registry
	logger   zerolog.Logger
}

// New creates a gossip service.
func New(cfg Config, self capability.Descriptor, reg *registry.Registry, logger zerolog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = constants.DefaultGossipInterval
	}
	if cfg.Port == 0 {
		cfg.Port = constants.DefaultDiscoveryPort
	}
	return &Service{
		config:   cfg,
		self:     self,
		registry: reg,
		logger:   logger.With().Str("component", "gossip").Logger(),
	}
}

// Run gossips on a fixed interval until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.config.Interval).Msg("Gossip service started")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Gossip service stopped")
			return nil
		case <-ticker.C:
			s.Broadcast()
		}
	}
}

// Broadcast sends the current peer set to every peer with a known
// address. A round with no peers is a no-op: there is nobody to tell
// and nothing worth telling.
func (s *Service) Broadcast() {
	peers := s.registry.GetAll()
	if len(peers) == 0 {
		return
	}

	payload := discovery.GossipPayload{
		SourceAgentID: s.self.AgentID,
		Peers:         append([]capability.Descriptor{s.self}, peers...),
	}
	data, err := discovery.EncodeGossip(payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode gossip payload")
		return
	}
	if len(data) > constants.MaxGossipPayload {
		// Dropping beats fragmenting: a truncated peer list arrives on
		// the next round, a fragmented datagram often never arrives.
		s.logger.Warn().
			Int("size", len(data)).
			Int("limit", constants.MaxGossipPayload).
			Int("peers", len(payload.Peers)).
			Msg("Gossip payload too large, skipping round")
		return
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to bind gossip socket")
		return
	}
	defer funnelerrors.DeferClose(s.logger, conn, "gossip socket close failed")

	sent := 0
	for _, peer := range peers {
		if peer.IPAddress == "" {
			continue
		}
		ip := net.ParseIP(peer.IPAddress)
		if ip == nil {
			s.logger.Debug().Str("peer", peer.AgentID).Str("addr", peer.IPAddress).Msg("Peer has unusable address")
			continue
		}
		port := peer.DiscoveryPort
		if port == 0 {
			port = s.config.Port
		}
		if _, err := conn.WriteToUDP(data, &net.UDPAddr{IP: ip, Port: port}); err != nil {
			s.logger.Debug().Err(err).Str("peer", peer.AgentID).Msg("Gossip send failed")
			continue
		}
		sent++
	}

	s.logger.Debug().Int("peers", len(peers)).Int("sent", sent).Msg("Gossip round complete")
}
