// Package agent wires the discovery, gossip, trust, dispatch, and proxy
// services into one supervised process.
package agent

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/funnel-mesh/funnel/internal/capability"
	"github.com/funnel-mesh/funnel/internal/config"
	"github.com/funnel-mesh/funnel/internal/constants"
	"github.com/funnel-mesh/funnel/internal/discovery"
	"github.com/funnel-mesh/funnel/internal/dispatch"
	"github.com/funnel-mesh/funnel/internal/gossip"
	"github.com/funnel-mesh/funnel/internal/proxy"
	"github.com/funnel-mesh/funnel/internal/registry"
	"github.com/funnel-mesh/funnel/internal/runner"
	"github.com/funnel-mesh/funnel/internal/trust"
)

// Agent owns every long-running service of one funnel node.
type Agent struct {
	config   *config.Config
	self     capability.Descriptor
	registry *registry.Registry

	listener *discovery.Listener
	gossip   *gossip.Service
	dispatch *dispatch.Server
	proxy    *proxy.Server

	logger zerolog.Logger
}

// New assembles an agent from resolved configuration. Trust material is
// loaded here so a bad certificate fails startup, not the first
// connection. In insecure mode a missing keypair degrades to an
// ephemeral self-signed certificate.
func New(cfg *config.Config, agentID string, logger zerolog.Logger) (*Agent, error) {
	validator := trust.NewValidator(cfg.Trust.CAFingerprint, logger)

	var cert tls.Certificate
	var fingerprint string
	switch {
	case cfg.Trust.CertFile != "":
		loaded, err := trust.LoadKeypair(cfg.Trust.CertFile, cfg.Trust.KeyFile, cfg.Trust.CertPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to load trust material: %w", err)
		}
		cert = loaded
		if fingerprint, err = trust.LeafFingerprint(cert); err != nil {
			return nil, fmt.Errorf("failed to fingerprint certificate: %w", err)
		}
	case cfg.Trust.Insecure:
		ephemeral, err := trust.EphemeralCert(agentID)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral certificate: %w", err)
		}
		cert = ephemeral
		logger.Warn().Msg("No certificate configured; dispatch uses an ephemeral self-signed certificate")
	default:
		return nil, fmt.Errorf("no certificate configured; set trust.cert_file or enable insecure mode")
	}

	self := capability.NewLocal(capability.LocalOptions{
		AgentID:                agentID,
		Capabilities:           cfg.Capabilities,
		WorkspaceRoots:         cfg.WorkspaceRoots,
		CertificateFingerprint: fingerprint,
		DiscoveryPort:          cfg.Discovery.Port,
		RPCPort:                cfg.RPC.Port,
	})

	reg := registry.New(agentID, cfg.Discovery.PeerTTL)

	prober := discovery.NewProber(discovery.ProberConfig{
		Group:          cfg.Discovery.MulticastGroup,
		Port:           cfg.Discovery.Port,
		DefaultTimeout: cfg.Discovery.ProbeTimeout,
	}, self, logger)

	listener := discovery.NewListener(discovery.ListenerConfig{
		Port:         cfg.Discovery.Port,
		Group:        cfg.Discovery.MulticastGroup,
		ProbeTimeout: cfg.Discovery.ProbeTimeout,
	}, self, reg, prober, logger)

	gossipSvc := gossip.New(gossip.Config{
		Interval: cfg.Gossip.Interval,
		Port:     cfg.Discovery.Port,
	}, self, reg, logger)

	backend := runner.NewLocal(runner.Config{
		AgentID:        agentID,
		DefaultTimeout: constants.DefaultTaskTimeout,
	}, logger)

	dispatchSrv := dispatch.NewServer(dispatch.Config{
		Port:     cfg.RPC.Port,
		AgentID:  agentID,
		Insecure: cfg.Trust.Insecure,
	}, backend, validator, cert, logger)

	var proxySrv *proxy.Server
	if !cfg.HTTP.Disabled {
		proxySrv = proxy.New(proxy.Config{
			Port:         cfg.HTTP.Port,
			ProbeTimeout: cfg.Discovery.ProbeTimeout,
		}, self, reg, prober, logger)
	}

	return &Agent{
		config:   cfg,
		self:     self,
		registry: reg,
		listener: listener,
		gossip:   gossipSvc,
		dispatch: dispatchSrv,
		proxy:    proxySrv,
		logger:   logger.With().Str("component", "agent").Logger(),
	}, nil
}

// Self returns the descriptor this agent advertises.
func (a *Agent) Self() capability.Descriptor {
	return a.self
}

// Registry returns the live peer registry.
func (a *Agent) Registry() *registry.Registry {
	return a.registry
}

// Run starts every service and blocks until the context is cancelled
// or any service fails. One failing service takes the whole agent down;
// a half-alive agent that discovers peers but cannot accept commands is
// worse than a dead one.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().
		Str("agent_id", a.self.AgentID).
		Str("platform", string(a.self.Platform)).
		Strs("capabilities", a.self.Capabilities).
		Msg("Agent starting")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.listener.Run(ctx) })
	g.Go(func() error { return a.gossip.Run(ctx) })
	g.Go(func() error { return a.dispatch.Run(ctx) })
	if a.proxy != nil {
		g.Go(func() error { return a.proxy.Run(ctx) })
	}
	g.Go(func() error {
		a.registry.StartSweep(constants.DefaultSweepInterval, ctx.Done())
		return nil
	})

	err := g.Wait()
	a.logger.Info().Msg("Agent stopped")
	return err
}
