// Package proxy serves the plaintext HTTP discovery API: a local
// convenience surface for tooling that wants to see and extend the
// agent's peer knowledge without speaking mTLS. It exposes discovery
// state only; command dispatch stays on the authenticated channel.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/funnel-mesh/funnel/internal/capability"
	"github.com/funnel-mesh/funnel/internal/constants"
	"github.com/funnel-mesh/funnel/internal/discovery"
	"github.com/funnel-mesh/funnel/internal/registry"
	"github.com/funnel-mesh/funnel/internal/retry"
	"github.com/funnel-mesh/funnel/pkg/version"
)

// Config holds the proxy server configuration.
type Config struct {
	// Port is the plaintext listen port.
	Port int

	// ProbeTimeout bounds active probes triggered through the API.
	ProbeTimeout time.Duration
}

// Server is the local discovery proxy.
type Server struct {
	config   Config
	self     capability.Descriptor
	registry *registry.Registry
	prober   *discovery.Prober
	logger   zerolog.Logger
}

// New creates a proxy server.
func New(cfg Config, self capability.Descriptor, reg *registry.Registry, prober *discovery.Prober, logger zerolog.Logger) *Server {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = constants.DefaultDiscoveryTimeout
	}
	return &Server{
		config:   cfg,
		self:     self,
		registry: reg,
		prober:   prober,
		logger:   logger.With().Str("component", "proxy").Logger(),
	}
}

// Routes returns the HTTP handler. Exposed for httptest-driven tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /peers", s.handlePeers)
	mux.HandleFunc("GET /discover-peers", s.handleDiscoverPeers)
	mux.HandleFunc("POST /add-peer", s.handleAddPeer)
	return mux
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("Proxy shutdown forced")
		}
	}()

	s.logger.Info().Int("port", s.config.Port).Msg("Discovery proxy started")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("discovery proxy failed: %w", err)
	}
	s.logger.Info().Msg("Discovery proxy stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"agentId": s.self.AgentID,
		"version": version.Version,
		"peers":   s.registry.Count(),
	})
}

// handleCapabilities returns the local descriptor the way peers would
// see it, outbound address included.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.self.WithAddress(discovery.OutboundIP()))
}

// handlePeers returns the cached registry contents. No network I/O, so
// it is safe to poll.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.registry.GetAll()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agents": peers,
		"count":  len(peers),
	})
}

// handleDiscoverPeers triggers an active probe, merges the findings,
// and returns the union of fresh results and cached knowledge.
func (s *Server) handleDiscoverPeers(w http.ResponseWriter, r *http.Request) {
	timeout := s.config.ProbeTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", raw))
			return
		}
		timeout = time.Duration(seconds) * time.Second
	}

	fresh := s.prober.Discover(r.Context(), timeout)
	for _, desc := range fresh {
		s.registry.AddOrUpdate(desc)
	}

	byID := make(map[string]capability.Descriptor)
	for _, desc := range s.registry.GetAll() {
		byID[desc.AgentID] = desc
	}
	for _, desc := range fresh {
		byID[desc.AgentID] = desc
	}

	agents := make([]capability.Descriptor, 0, len(byID))
	for _, desc := range byID {
		agents = append(agents, desc)
	}

	s.writeJSON(w, http.StatusOK, discovery.PeersResponse{
		DiscoveredBy: s.self.AgentID,
		Agents:       agents,
		Count:        len(agents),
	})
}

// handleAddPeer probes one address directly and registers whoever
// answers. This is how operators bridge subnets multicast cannot cross.
func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		s.writeError(w, http.StatusBadRequest, "ip query parameter is required")
		return
	}

	// Datagrams get lost; try a few times before reporting the peer
	// unreachable. Address parse failures are final.
	var desc capability.Descriptor
	err := retry.Do(r.Context(), retry.Config{
		Attempts:       3,
		InitialBackoff: 200 * time.Millisecond,
		Jitter:         0.2,
	}, func() error {
		var probeErr error
		desc, probeErr = s.prober.ProbeAddr(r.Context(), ip, s.config.ProbeTimeout)
		return probeErr
	}, func(err error) bool {
		return !errors.Is(err, discovery.ErrInvalidAddress)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("ip", ip).Msg("Directed probe failed")
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.registry.AddOrUpdate(desc)
	s.logger.Info().Str("ip", ip).Str("agent_id", desc.AgentID).Msg("Peer added by operator")
	s.writeJSON(w, http.StatusOK, desc)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug().Err(err).Msg("Response write failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
