// ABOUTME: Gateway orchestrator that serves conversations over HTTP
// ABOUTME: Owns the conversation registry, the HTTP server and health endpoints

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/exchange"
	"github.com/2389/parley/internal/httpstream"
)

// HeaderServer names the gateway instance on every response.
const HeaderServer = "X-Parley-Server"

// Gateway orchestrates the parley-gateway server components.
type Gateway struct {
	config     *config.Config
	registry   *conversation.Registry
	responder  exchange.Handler
	httpServer *http.Server
	logger     *slog.Logger

	// serverID identifies this gateway instance to clients
	serverID string

	draining  atomic.Bool
	closeOnce sync.Once
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithResponder replaces the echo responder answering incoming questions.
func WithResponder(h exchange.Handler) Option {
	return func(g *Gateway) { g.responder = h }
}

// New creates a gateway from cfg. Nothing listens until Run or Serve.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config:   cfg,
		logger:   logger,
		serverID: generateServerID(),
	}
	g.responder = Echo(logger)
	for _, opt := range opts {
		opt(g)
	}

	g.registry = conversation.NewRegistry(conversation.RegistryConfig{
		MaxFrameBytes:  cfg.Protocol.MaxFrameBytes,
		ReadChunkBytes: cfg.Protocol.ReadChunkBytes,
		ClosedTTL:      cfg.Protocol.ClosedTTL,
		ClosedCapacity: cfg.Protocol.ClosedCapacity,
	}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.Handle(cfg.Server.MountPath, httpstream.NewHandler(g.registry, g.setupConversation, logger))

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.withServerID(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Debug("gateway created",
		"server_id", g.serverID,
		"mount_path", cfg.Server.MountPath,
		"max_frame_bytes", cfg.Protocol.MaxFrameBytes,
	)
	return g, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// ServerID returns the identifier sent in HeaderServer.
func (g *Gateway) ServerID() string {
	return g.serverID
}

func (g *Gateway) withServerID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderServer, g.serverID)
		next.ServeHTTP(w, r)
	})
}

// Registry returns the registry of live conversations.
func (g *Gateway) Registry() *conversation.Registry {
	return g.registry
}

// setupConversation starts answering questions on a freshly opened
// conversation. It runs on the conversation's loop.
func (g *Gateway) setupConversation(c *conversation.Conversation) {
	if err := exchange.Serve(c, g.responder, c.Logger()); err != nil {
		c.Logger().Warn("serving conversation", "error", err)
	}
}

// Run listens on the configured address and serves until ctx is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled or the server fails, then
// shuts down.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening",
			"addr", ln.Addr().String(),
			"mount_path", g.config.Server.MountPath,
		)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the serving context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown cancels every live conversation and stops the HTTP server.
// Conversations go first: their originating requests stay open for as
// long as they live, so the server would otherwise wait for them.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "live_conversations", g.registry.Len())
	g.draining.Store(true)

	g.closeOnce.Do(g.registry.Close)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the gateway accepts new conversations.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d conversations)", g.registry.Len())
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("parley-gateway-%d", time.Now().UnixNano()%1000000)
}
