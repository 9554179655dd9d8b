// ABOUTME: Server orchestrator: owns the HTTP listener, the route table, and
// ABOUTME: the background sweeper lifecycle.

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/chorus-control/internal/config"
	"github.com/2389/chorus-control/internal/metrics"
	"github.com/2389/chorus-control/internal/state"
)

// Server wires the registry to the outside world.
type Server struct {
	config     *config.Config
	state      *state.State
	metrics    *metrics.Metrics
	prober     Prober
	logger     *slog.Logger
	httpServer *http.Server
}

// Options configures a server.
type Options struct {
	Config  *config.Config
	State   *state.State
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Prober resolves uploaded media durations. Defaults to an external
	// probe command when the config names one, otherwise durations stay
	// unknown until set by other means.
	Prober Prober
}

// New builds a server around an already loaded registry.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("server: config is required")
	}
	if opts.State == nil {
		return nil, fmt.Errorf("server: state is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  opts.Config,
		state:   opts.State,
		metrics: opts.Metrics,
		prober:  opts.Prober,
		logger:  logger.With("component", "server"),
	}
	if s.prober == nil && opts.Config.Media.ProbeCommand != "" {
		s.prober = NewCommandProber(opts.Config.Media.ProbeCommand, logger)
	}

	s.httpServer = &http.Server{
		Addr:              opts.Config.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Agent-facing.
	mux.HandleFunc("POST /api/client", s.handleRegisterClient)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("GET /api/media/{id}", s.handleFetchMedia)
	mux.HandleFunc("POST /api/client/destroyed", s.handleClientDestroyed)
	mux.HandleFunc("POST /api/media/{id}/started", s.handleMediaStarted)
	mux.HandleFunc("POST /api/media/stopped", s.handleMediaStopped)

	// Dashboard-facing.
	mux.HandleFunc("GET /api/dashboard/stream", s.handleDashboardStream)
	mux.HandleFunc("POST /api/media/{name}", s.handleUploadMedia)
	mux.HandleFunc("DELETE /api/media/{id}", s.handleDeleteMedia)
	mux.HandleFunc("POST /api/media/{id}/download", s.handleRequestDownload)
	mux.HandleFunc("POST /api/media/{id}/play", s.handleRequestPlay)
	mux.HandleFunc("POST /api/media/stop", s.handleRequestStop)
	mux.HandleFunc("PATCH /api/client/{id}", s.handleRenameClient)
	mux.HandleFunc("DELETE /api/client/{id}", s.handleDeleteClient)
	mux.HandleFunc("POST /api/client/{id}/shutdown", s.handleShutdownClient)
	mux.HandleFunc("POST /api/group", s.handleCreateGroup)
	mux.HandleFunc("PATCH /api/group/{id}", s.handleRenameGroup)
	mux.HandleFunc("DELETE /api/group/{id}", s.handleDeleteGroup)
	mux.HandleFunc("PUT /api/group/{id}/client/{cid}", s.handleAddGroupMember)
	mux.HandleFunc("DELETE /api/group/{id}/client/{cid}", s.handleRemoveGroupMember)

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.config.Metrics.Enabled && s.metrics != nil {
		mux.Handle("GET "+s.config.Metrics.Path, s.metrics.Handler())
	}
	return mux
}

// Run starts the HTTP server and the liveness sweeper and blocks until the
// context is canceled. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go s.state.RunCleanupLoop(sweepCtx, s.config.Streams.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already
// canceled by the time it is called.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// pathID parses a uint16 path segment.
func pathID(r *http.Request, name string) (uint16, error) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return uint16(v), nil
}

// queryNonce parses the optional nonce query parameter used by dashboards to
// correlate their own mutations in the event stream.
func queryNonce(r *http.Request) (*uint64, error) {
	raw := r.URL.Query().Get("nonce")
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce")
	}
	return &v, nil
}
