// ABOUTME: Gateway orchestrator wiring store, bus, gate, registry, and tool server
// ABOUTME: Owns the HTTP server lifecycle, the expiry sweeper, and the heartbeat loop

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/symposium/internal/auth"
	"github.com/2389/symposium/internal/config"
	"github.com/2389/symposium/internal/events"
	"github.com/2389/symposium/internal/gate"
	"github.com/2389/symposium/internal/invoker"
	"github.com/2389/symposium/internal/roles"
	"github.com/2389/symposium/internal/session"
	"github.com/2389/symposium/internal/store"
	"github.com/2389/symposium/internal/toolserver"
	"github.com/2389/symposium/internal/tools"
)

// shutdownTimeout bounds graceful HTTP shutdown
const shutdownTimeout = 10 * time.Second

// Server is the assembled symposium node: control API, tool server, event
// streaming, and the background loops that keep sessions honest.
type Server struct {
	config   *config.Config
	store    store.Store
	bus      *events.Bus
	gate     *gate.Gate
	registry *session.Registry
	tools    *tools.Gateway
	invoker  *invoker.Invoker
	roles    *roles.Manifest
	verifier auth.TokenVerifier
	http     *http.Server
	logger   *slog.Logger
}

// New wires a server from config. The tool server and control API share
// one HTTP listener; tools.endpoint may point elsewhere when the
// workspace tools run on a separate node.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "gateway")

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	bus := events.NewBus(cfg.Events.Buffer, cfg.Events.Heartbeat, logger)
	g := gate.New(cfg.Input.AnswerTimeout, logger)
	registry := session.NewRegistry(st, bus, g, cfg.Sessions.TTL, logger)

	manifest := roles.Default()
	if cfg.Roles.Path != "" {
		manifest, err = roles.Load(cfg.Roles.Path)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("loading roles manifest: %w", err)
		}
	}

	endpoint := cfg.Tools.Endpoint
	if endpoint == "" {
		endpoint = "http://" + cfg.Server.HTTPAddr
	}
	toolGateway := tools.NewGateway(registry, bus, endpoint, cfg.Tools.Token, cfg.Tools.CallTimeout, logger)

	inv := invoker.New(registry, st, bus, toolGateway, g, manifest,
		cfg.Agents.TurnTimeout, cfg.Agents.MaxRetries, logger)

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	s := &Server{
		config:   cfg,
		store:    st,
		bus:      bus,
		gate:     g,
		registry: registry,
		tools:    toolGateway,
		invoker:  inv,
		roles:    manifest,
		verifier: verifier,
		logger:   log,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	toolserver.NewServer(st, registry, bus, g, logger).RegisterRoutes(mux)

	s.http = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}
	return s, nil
}

// Registry exposes the session registry for embedding programs
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Invoker exposes the agent invoker for embedding programs
func (s *Server) Invoker() *invoker.Invoker {
	return s.invoker
}

// Run starts the HTTP listener, the session sweeper, and the heartbeat
// loop, then blocks until ctx is cancelled. Shutdown is graceful.
func (s *Server) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.registry.RunSweeper(loopCtx, s.config.Sessions.SweepInterval)
	go s.bus.Run(loopCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
	}

	s.bus.Close()
	return s.store.Close()
}
