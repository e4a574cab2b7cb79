// ABOUTME: Gateway orchestrator that coordinates the NATS transport and HTTP server
// ABOUTME: Wires store, registry, dispatcher, correlator, lifecycle and sweeper

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/warrenhq/warren-gateway/internal/audit"
	"github.com/warrenhq/warren-gateway/internal/config"
	"github.com/warrenhq/warren-gateway/internal/correlate"
	"github.com/warrenhq/warren-gateway/internal/dispatch"
	"github.com/warrenhq/warren-gateway/internal/lifecycle"
	"github.com/warrenhq/warren-gateway/internal/metrics"
	"github.com/warrenhq/warren-gateway/internal/registry"
	"github.com/warrenhq/warren-gateway/internal/store"
	"github.com/warrenhq/warren-gateway/internal/sweeper"
)

// Gateway orchestrates the warren-gateway server components.
// It manages the NATS transport for agent sessions and the HTTP server for
// the command and instance APIs.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	correlator *correlate.Correlator
	lifecycle  *lifecycle.Manager
	sweeper    *sweeper.Sweeper
	notifier   *audit.LogNotifier
	authorizer Authorizer

	nats *nats.Conn
	subs []*nats.Subscription

	httpServer *http.Server
	logger     *slog.Logger

	sweepDone chan struct{}
	closeOnce sync.Once
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("WARREN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// connectNATS dials the bus with retry and event logging wired to slog.
func connectNATS(cfg *config.Config, logger *slog.Logger) (*nats.Conn, error) {
	url := cfg.NATS.URL
	if envURL := os.Getenv("WARREN_NATS_URL"); envURL != "" {
		url = envURL
	}

	conn, err := nats.Connect(url, natsOptions(cfg.NATS.Name, logger.With("component", "nats"))...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return conn, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := connectNATS(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	notifier := audit.NewLogNotifier(logger.With("component", "audit"))
	reg := registry.New(logger.With("component", "registry"))
	disp := dispatch.New(s, reg, logger.With("component", "dispatch"))
	lcm := lifecycle.NewManager(s, disp, notifier, logger.With("component", "lifecycle"))
	corr := correlate.New(s, lcm, notifier, logger.With("component", "correlate"))
	swp := sweeper.New(s, disp, lcm, notifier, logger.With("component", "sweeper"),
		cfg.Sweeper.Interval, cfg.Sweeper.RetryAfter)

	gw := &Gateway{
		config:     cfg,
		store:      s,
		registry:   reg,
		dispatcher: disp,
		correlator: corr,
		lifecycle:  lcm,
		sweeper:    swp,
		notifier:   notifier,
		authorizer: allowAll{},
		nats:       conn,
		logger:     logger.With("component", "gateway"),
		sweepDone:  make(chan struct{}),
	}
	logger.Warn("request authorization disabled, all API callers are trusted")

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(nil); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint enabled", "path", cfg.Metrics.Path)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// SetAuthorizer replaces the default allow-all authorizer.
func (g *Gateway) SetAuthorizer(a Authorizer) {
	if a != nil {
		g.authorizer = a
	}
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a component fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.startTransport(ctx); err != nil {
		return err
	}

	go func() {
		defer close(g.sweepDone)
		g.sweeper.Run(ctx)
	}()

	httpLn, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, drains the NATS subscriptions, waits for
// the sweeper to exit, flushes the audit notifier and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var firstErr error
	g.closeOnce.Do(func() {
		if err := g.httpServer.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("shutting down HTTP server: %w", err)
		}

		for _, sub := range g.subs {
			if err := sub.Unsubscribe(); err != nil {
				g.logger.Warn("unsubscribing", "subject", sub.Subject, "error", err)
			}
		}
		if err := g.nats.Drain(); err != nil {
			g.logger.Warn("draining nats connection", "error", err)
		}

		select {
		case <-g.sweepDone:
		case <-ctx.Done():
			g.logger.Warn("shutdown deadline reached before sweeper stopped")
		}

		g.notifier.Close()

		if err := g.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing store: %w", err)
		}
		g.logger.Info("gateway shutdown complete")
	})
	return firstErr
}
