// ABOUTME: Gateway orchestrator that wires the broker, capture store, and HTTP server.
// ABOUTME: Manages listener setup, route registration, and graceful shutdown.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/probelab/tabwatch/internal/auth"
	"github.com/probelab/tabwatch/internal/broker"
	"github.com/probelab/tabwatch/internal/config"
	"github.com/probelab/tabwatch/internal/store"
)

// Gateway orchestrates the tabwatch server components: the broker holding
// all protocol state, the optional capture store, and the HTTP server that
// carries both the tab channel and the operator API.
type Gateway struct {
	config     *config.Config
	broker     *broker.Broker
	store      *store.SQLiteStore
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	var captureStore *store.SQLiteStore
	var recorder broker.Recorder
	if cfg.Database.Path != "" {
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing capture store: %w", err)
		}
		captureStore = s
		recorder = s
	}

	b := broker.New(broker.Options{
		ActiveWindow:   cfg.Agents.ActiveWindow,
		SweepInterval:  cfg.Agents.SweepInterval,
		StaleThreshold: cfg.Agents.StaleThreshold,
		DumpWait:       cfg.Agents.DumpWait,
		PingWait:       cfg.Agents.PingWait,
		Recorder:       recorder,
		Logger:         logger,
	})

	gw := &Gateway{
		config: cfg,
		broker: b,
		store:  captureStore,
		logger: logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints and the tab channel are never behind auth: pages
	// cannot attach Authorization headers to a WebSocket upgrade.
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	mux.HandleFunc("/ws", gw.handleWS)

	if err := gw.registerAPIRoutes(mux, cfg, logger); err != nil {
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerAPIRoutes registers operator API routes, wrapped in JWT auth when
// a token secret is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Auth.TokenSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.TokenSecret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		authMiddleware := auth.HTTPAuthMiddleware(verifier)
		mux.Handle("/api/sessions", authMiddleware(http.HandlerFunc(g.handleListSessions)))
		mux.Handle("/api/sessions/", authMiddleware(http.HandlerFunc(g.handleSessionOps)))
		mux.Handle("/api/captures", authMiddleware(http.HandlerFunc(g.handleCaptures)))
		logger.Info("HTTP auth middleware enabled")
	} else {
		mux.HandleFunc("/api/sessions", g.handleListSessions)
		mux.HandleFunc("/api/sessions/", g.handleSessionOps)
		mux.HandleFunc("/api/captures", g.handleCaptures)
		logger.Warn("HTTP auth disabled - no token_secret configured")
	}
	return nil
}

// Run starts the broker and HTTP server and blocks until the context is
// canceled. Returns nil on graceful shutdown, or an error if serving fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	g.broker.Start()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already
// canceled by the time we get here.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, the broker, and the capture store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.broker.Stop()

	if g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Broker exposes the underlying broker, used by tests and the CLI.
func (g *Gateway) Broker() *broker.Broker {
	return g.broker
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one tab is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	sessions := g.broker.Sessions(false, 0)
	if len(sessions) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no tabs connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d tabs)", len(sessions))
}
