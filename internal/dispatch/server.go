// Package dispatch serves the mutually authenticated command execution
// API: execute, streaming execute, status, cancel, and ping.
package dispatch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/funnel-mesh/funnel/internal/runner"
	"github.com/funnel-mesh/funnel/internal/task"
	"github.com/funnel-mesh/funnel/internal/trust"
	"github.com/funnel-mesh/funnel/pkg/version"
)

// Config configures the dispatch server.
type Config struct {
	// Port is the TLS listen port.
	Port int

	// AgentID is stamped on every result this server produces.
	AgentID string

	// Insecure disables peer certificate verification.
	Insecure bool
}

// Server is the command dispatch endpoint. Every connection is mTLS
// with the peer chain pinned to the trust validator; execution failures
// travel as task results with error codes, never as transport errors.
type Server struct {
	config    Config
	backend   runner.Backend
	tracker   *tracker
	validator *trust.Validator
	cert      tls.Certificate
	logger    zerolog.Logger
}

// NewServer creates a dispatch server.
func NewServer(cfg Config, backend runner.Backend, validator *trust.Validator, cert tls.Certificate, logger zerolog.Logger) *Server {
	return &Server{
		config:    cfg,
		backend:   backend,
		tracker:   newTracker(),
		validator: validator,
		cert:      cert,
		logger:    logger.With().Str("component", "dispatch").Logger(),
	}
}

// Routes returns the HTTP handler serving the dispatch API. Exposed
// separately from Run so tests can drive it through any listener.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/execute/stream", s.handleExecuteStream)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleStatus)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/ping", s.handlePing)
	return mux
}

// Run serves the dispatch API until the context is cancelled. Binding
// failure is fatal: an agent that cannot accept commands is useless.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to bind dispatch port %d: %w", s.config.Port, err)
	}

	tlsLn := tls.NewListener(ln, s.validator.ServerTLSConfig(s.cert, s.config.Insecure))
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("Dispatch shutdown forced")
		}
	}()

	s.logger.Info().
		Int("port", s.config.Port).
		Bool("insecure", s.config.Insecure).
		Msg("Dispatch server started")

	if err := srv.Serve(tlsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dispatch server failed: %w", err)
	}
	s.logger.Info().Msg("Dispatch server stopped")
	return nil
}

// handleExecute runs one request to completion and returns its result.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	taskCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := s.tracker.begin(req.TaskID, cancel); err != nil {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("task %s is already in flight", req.TaskID))
		return
	}
	defer s.tracker.end(req.TaskID)
	s.tracker.setRunning(req.TaskID)

	s.logger.Info().
		Str("task_id", req.TaskID).
		Str("type", string(req.Type)).
		Msg("Executing task")

	result := s.backend.Execute(taskCtx, req)
	result.AgentID = s.config.AgentID
	s.writeJSON(w, http.StatusOK, result)
}

// handleExecuteStream runs one request while streaming output as
// newline-delimited JSON events: a running status first, output chunks
// as they arrive, then a completed status carrying the final result.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}

	taskCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := s.tracker.begin(req.TaskID, cancel); err != nil {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("task %s is already in flight", req.TaskID))
		return
	}
	defer s.tracker.end(req.TaskID)
	s.tracker.setRunning(req.TaskID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	// Output chunks arrive from the stdout and stderr drains
	// concurrently; the encoder is not safe for that.
	var mu sync.Mutex
	emit := func(ev task.StreamEvent) {
		mu.Lock()
		defer mu.Unlock()
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error().Err(err).Str("task_id", ev.TaskID).Msg("Failed to encode stream event")
			return
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return
		}
		flusher.Flush()
	}

	emit(task.StreamEvent{Type: task.EventStatus, TaskID: req.TaskID, Status: task.StateRunning})

	result := s.backend.ExecuteStream(taskCtx, req, emit)
	result.AgentID = s.config.AgentID

	emit(task.StreamEvent{
		Type:   task.EventStatus,
		TaskID: req.TaskID,
		Status: task.StateCompleted,
		Result: &result,
	})
}

// handleStatus reports the live state of a task id. Finished tasks are
// indistinguishable from unknown ones.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"taskId": id,
		"status": s.tracker.state(id),
	})
}

// handleCancel cancels an in-flight task.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.tracker.cancelTask(id) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no in-flight task %s", id))
		return
	}
	s.logger.Info().Str("task_id", id).Msg("Task cancelled by caller")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"taskId":    id,
		"cancelled": true,
	})
}

// handlePing answers liveness checks over the authenticated channel.
// A caller-supplied timestamp is echoed back so clock skew can be
// measured against the server timestamp from the same response.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"agentId":   s.config.AgentID,
		"version":   version.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"inFlight":  s.tracker.count(),
	}
	if ts := r.URL.Query().Get("timestamp"); ts != "" {
		body["clientTimestamp"] = ts
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (task.Request, bool) {
	var req task.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return task.Request{}, false
	}
	if req.TaskID == "" {
		s.writeError(w, http.StatusBadRequest, "taskId is required")
		return task.Request{}, false
	}
	// Scripted-shell carries its body in content; list-directory with
	// no path defaults to the working directory.
	if req.Command == "" && req.Type != task.TypeScriptedShell && req.Type != task.TypeListDirectory {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return task.Request{}, false
	}
	return req, true
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
