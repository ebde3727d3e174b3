// Package gateway is the orchestrator that ties the gateway components
// together.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Dharshan-K/medplum/gateway/internal/agent"
	"github.com/Dharshan-K/medplum/gateway/internal/api"
	"github.com/Dharshan-K/medplum/gateway/internal/auth"
	"github.com/Dharshan-K/medplum/gateway/internal/bots"
	"github.com/Dharshan-K/medplum/gateway/internal/config"
	"github.com/Dharshan-K/medplum/gateway/internal/echo"
	"github.com/Dharshan-K/medplum/gateway/internal/fhircast"
	"github.com/Dharshan-K/medplum/gateway/internal/metrics"
	"github.com/Dharshan-K/medplum/gateway/internal/pubsub"
	"github.com/Dharshan-K/medplum/gateway/internal/repo"
	"github.com/Dharshan-K/medplum/gateway/internal/store"
	"github.com/Dharshan-K/medplum/gateway/internal/ws"
)

// Gateway is the main gateway process.
type Gateway struct {
	cfg       *config.Config
	store     store.Store
	bus       pubsub.Client
	ws        *ws.Server
	lifecycle ws.Lifecycle
	api       *api.Server
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// New creates a new gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	ctx := context.Background()
	m := metrics.New()

	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Initialize the broadcast backbone.
	bus, err := pubsub.New(ctx, cfg.PubSub, m, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init pubsub: %w", err)
	}

	resolver, err := auth.NewResolver(ctx, cfg.Auth, db)
	if err != nil {
		_ = bus.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init auth resolver: %w", err)
	}
	// Password login only exists for the builtin provider.
	loginSvc, _ := resolver.(*auth.Service)

	repos := repo.NewFactory(db)
	engine := bots.New(db, cfg.Bots.Timeout.Duration, m, logger)
	hub := fhircast.New(bus, cfg.FHIRcast.Heartbeat.Duration, logger)

	wsSrv := ws.New(ws.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: int64(cfg.WebSocket.MaxMessageSize),
		PingInterval:    cfg.WebSocket.PingInterval.Duration,
	}, m, logger)
	wsSrv.Register(echo.Key, echo.New(bus, logger))
	wsSrv.Register(agent.Key, agent.New(agent.Deps{
		Auth:     resolver,
		Repos:    agent.FromFactory(repos),
		Executor: engine,
		Bus:      bus,
		Audit:    db,
		Metrics:  m,
		Logger:   logger,
	}))
	wsSrv.Register(fhircast.Key, hub)

	apiSrv := api.NewServer(api.Deps{
		Store:    db,
		Resolver: resolver,
		Login:    loginSvc,
		Repos:    repos,
		Bus:      bus,
		FHIRcast: hub,
		Metrics:  m,
	}, cfg, logger)

	g := &Gateway{
		cfg:     cfg,
		store:   db,
		bus:     bus,
		ws:      wsSrv,
		api:     apiSrv,
		metrics: m,
		logger:  logger.With("component", "gateway"),
		ready:   make(chan struct{}),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return g, nil
}

// Ready is closed once the listener is bound.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// Addr returns the bound listener address, or nil before Ready.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Run starts the HTTP server and blocks until the context is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Server.Addr,
		Handler:           g.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := g.lifecycle.Start(g.ws, srv); err != nil {
		g.close()
		return fmt.Errorf("start websocket server: %w", err)
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		g.lifecycle.Stop()
		g.close()
		return fmt.Errorf("listen: %w", err)
	}
	g.mu.Lock()
	g.addr = ln.Addr()
	g.mu.Unlock()
	close(g.ready)

	// Start rate limiter cleanup tasks.
	g.api.StartBackgroundTasks(ctx)
	go g.metrics.Report(ctx, g.cfg.Metrics.ReportInterval.Duration, g.logger)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String(), "handlers", g.ws.Keys())
		if g.cfg.Server.TLSCert != "" && g.cfg.Server.TLSKey != "" {
			errCh <- srv.ServeTLS(ln, g.cfg.Server.TLSCert, g.cfg.Server.TLSKey)
		} else {
			g.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down gateway gracefully")

		// Hijacked sockets are invisible to Shutdown; close them first.
		g.lifecycle.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			g.logger.Info("http server stopped gracefully")
		}

		g.close()
		g.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		g.lifecycle.Stop()
		g.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (g *Gateway) close() {
	if err := g.bus.Close(); err != nil {
		g.logger.Warn("close pubsub failed", "error", err)
	}
	g.logger.Info("closing store")
	_ = g.store.Close()
}
