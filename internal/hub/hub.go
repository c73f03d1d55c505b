// ABOUTME: Hub orchestrator that wires the store, registry, ledger, TCP server and admin API
// ABOUTME: Owns startup, the run loop, and graceful shutdown of every component

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/agent-hub/internal/agent"
	"github.com/2389/agent-hub/internal/auth"
	"github.com/2389/agent-hub/internal/config"
	"github.com/2389/agent-hub/internal/events"
	"github.com/2389/agent-hub/internal/protocol"
	"github.com/2389/agent-hub/internal/store"
	"github.com/2389/agent-hub/internal/task"
)

// Hub bundles every running component of agent-hub.
type Hub struct {
	config      *config.Config
	store       store.Store
	broadcaster *events.Broadcaster
	agents      *agent.Manager
	tasks       *task.Ledger
	server      *Server
	httpServer  *http.Server
	logger      *slog.Logger

	// streams ends open SSE responses when the HTTP server shuts down
	streams     context.Context
	stopStreams context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the store, loads known agents and builds the servers. Storage
// failures here are fatal.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	h, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return h, nil
}

// NewWithStore builds a Hub over an already opened store. The Hub takes
// ownership of s and closes it on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	keys, err := auth.NewKeyVerifier(cfg.Auth.Key, cfg.Auth.KeyHash)
	if err != nil {
		return nil, fmt.Errorf("creating key verifier: %w", err)
	}

	broadcaster := events.NewBroadcaster(logger)
	defaults := protocol.AgentConfig{
		SystemInfoInterval: cfg.Agents.SystemInfoInterval,
		HeartbeatInterval:  cfg.Agents.HeartbeatInterval,
		ReconnectInterval:  cfg.Agents.ReconnectInterval,
	}
	agents := agent.NewManager(s, broadcaster, defaults, logger)
	ledger := task.NewLedger(s, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := agents.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading agents: %w", err)
	}

	server := NewServer(ServerConfig{
		ListenAddrs:     cfg.Hub.ListenAddrs(),
		AuthTimeout:     cfg.Hub.AuthTimeout,
		IdleTimeout:     cfg.Hub.IdleTimeout,
		KeepAlivePeriod: cfg.Hub.KeepAlivePeriod,
		WriteTimeout:    cfg.Hub.WriteTimeout,
		MaxFrameSize:    cfg.Hub.MaxFrameSize,
	}, agents, ledger, keys, logger)

	h := &Hub{
		config:      cfg,
		store:       s,
		broadcaster: broadcaster,
		agents:      agents,
		tasks:       ledger,
		server:      server,
		logger:      logger.With("component", "orchestrator"),
	}
	h.streams, h.stopStreams = context.WithCancel(context.Background())

	if cfg.HTTP.Addr != "" {
		verifier := auth.NewJWTVerifier([]byte(cfg.Auth.AdminSecret))
		h.httpServer = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           h.Handler(verifier),
			ReadHeaderTimeout: 10 * time.Second,
		}
		h.httpServer.RegisterOnShutdown(h.stopStreams)
	}

	return h, nil
}

// Agents returns the agent registry.
func (h *Hub) Agents() *agent.Manager { return h.agents }

// Tasks returns the task ledger.
func (h *Hub) Tasks() *task.Ledger { return h.tasks }

// Server returns the agent-facing TCP server.
func (h *Hub) Server() *Server { return h.server }

// Run serves agents (and the admin API when enabled) until ctx is canceled
// or a listener fails, then shuts everything down.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (h *Hub) Run(ctx context.Context) error {
	var httpLn net.Listener
	if h.httpServer != nil {
		ln, err := net.Listen("tcp", h.httpServer.Addr)
		if err != nil {
			return fmt.Errorf("listening on HTTP address: %w", err)
		}
		httpLn = ln
	}
	return h.serve(ctx, httpLn)
}

func (h *Hub) serve(ctx context.Context, httpLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := h.server.ListenAndServe(gctx); err != nil {
			return fmt.Errorf("hub server: %w", err)
		}
		return nil
	})

	if httpLn != nil {
		g.Go(func() error {
			h.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
			if err := h.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return h.shutdownHTTP()
		})
	}

	serverErr := g.Wait()
	if serverErr != nil {
		h.logger.Error("server error", "error", serverErr)
	} else {
		h.logger.Info("context canceled, initiating shutdown")
	}

	shutdownErr := h.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (h *Hub) shutdownHTTP() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (h *Hub) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the TCP server and admin API, then releases the store and
// broadcaster. Agents still connected are marked offline on the way out.
// Later calls return the first call's result.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.logger.Info("shutting down hub")

		var errs []error
		if h.httpServer != nil {
			errs = appendCloseError(errs, "HTTP shutdown", h.httpServer.Shutdown(ctx))
		}

		h.stopStreams()
		h.server.Stop()
		h.broadcaster.Close()
		errs = appendCloseError(errs, "store close", h.store.Close())

		h.shutdownErr = errors.Join(errs...)
	})
	return h.shutdownErr
}
