// Package app assembles the coordination server from its configuration:
// store, hub, components, dispatcher, transports, reaper and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mistakeknot/toomanycooks/internal/auth"
	"github.com/mistakeknot/toomanycooks/internal/config"
	"github.com/mistakeknot/toomanycooks/internal/dispatch"
	httpapi "github.com/mistakeknot/toomanycooks/internal/http"
	"github.com/mistakeknot/toomanycooks/internal/locks"
	"github.com/mistakeknot/toomanycooks/internal/mailbox"
	"github.com/mistakeknot/toomanycooks/internal/mcp"
	"github.com/mistakeknot/toomanycooks/internal/metrics"
	"github.com/mistakeknot/toomanycooks/internal/notify"
	"github.com/mistakeknot/toomanycooks/internal/plans"
	"github.com/mistakeknot/toomanycooks/internal/registry"
	"github.com/mistakeknot/toomanycooks/internal/server"
	"github.com/mistakeknot/toomanycooks/internal/storage/sqlite"
	"github.com/mistakeknot/toomanycooks/internal/ws"
)

type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string
	// Keyring overrides the keys file. A nil Keyring loads (or bootstraps)
	// the configured keys file.
	Keyring *auth.Keyring
	// InMemory uses a private in-memory database instead of Storage.DBPath.
	InMemory bool
}

// App owns every long-lived component. Close releases them in dependency
// order.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *sqlite.Store
	resilient  *sqlite.ResilientStore
	hub        *notify.Hub
	metrics    *metrics.Metrics
	dispatcher *dispatch.Dispatcher
	sweeper    *sqlite.Sweeper
	mcp        *mcp.Server
	gateway    *ws.Gateway
	keyring    *auth.Keyring
	handler    http.Handler
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keyring := opts.Keyring
	if keyring == nil {
		path := cfg.Auth.KeysFile
		if path == "" {
			path = auth.ResolveKeysPath(cfg.Storage.DataDir)
		}
		ring, err := auth.LoadKeyring(path)
		if err != nil {
			return nil, fmt.Errorf("load keys: %w", err)
		}
		keyring = ring
	}

	storeLogger := logger.With("component", "store")
	var (
		st  *sqlite.Store
		err error
	)
	if opts.InMemory {
		st, err = sqlite.NewInMemory(sqlite.WithLogger(storeLogger))
	} else {
		st, err = sqlite.New(cfg.Storage.DBPath, sqlite.WithLogger(storeLogger))
	}
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	resilient := sqlite.NewResilient(st)
	resilient.Breaker().OnStateChange(func(state sqlite.BreakerState) {
		storeLogger.Warn("circuit breaker state changed", "state", state.String())
	})

	m := metrics.New()
	hub := notify.NewHub(
		notify.WithBufferSize(cfg.Notify.Buffer),
		notify.WithDropHook(m.EventDropped),
		notify.WithLogger(logger),
	)

	svc := dispatch.Services{
		Registry: registry.New(resilient, hub, registry.WithLogger(logger)),
		Locks:    locks.New(resilient, hub, locks.WithLease(cfg.Locks.Lease), locks.WithLogger(logger)),
		Mailbox:  mailbox.New(resilient, hub, mailbox.WithLogger(logger)),
		Plans:    plans.New(resilient, hub, plans.WithLogger(logger)),
	}
	d := dispatch.New(svc, dispatch.Options{
		RateLimit:      cfg.RatePerSecond(),
		RateBurst:      cfg.RateLimit.Burst,
		StatusMessages: cfg.Status.Messages,
		Metrics:        m,
		Logger:         logger,
	})

	mcpServer := mcp.NewServer(mcp.Config{Dispatcher: d, Logger: logger, Version: opts.Version})
	gateway := ws.NewGateway(hub, ws.WithLogger(logger), ws.WithOriginPatterns(cfg.Notify.OriginPatterns...))

	m.GaugeFunc("notify_subscribers", "Live notification subscribers.", func() float64 { return float64(hub.Subscribers()) })
	m.GaugeFunc("ws_connections", "Attached WebSocket observers.", func() float64 { return float64(gateway.Connections()) })
	m.GaugeFunc("mcp_sessions", "Live MCP sessions.", func() float64 { return float64(mcpServer.Sessions()) })
	m.GaugeFunc("store_circuit_open", "1 when the store circuit breaker is open.", func() float64 {
		if resilient.Breaker().State() == sqlite.StateOpen {
			return 1
		}
		return 0
	})

	api := httpapi.NewService(d).WithHealth(resilient.CircuitBreakerState).WithLogger(logger)
	handler := httpapi.NewRouter(api, httpapi.Mounts{
		MCP:     mcpServer,
		Events:  gateway.Handler(),
		Metrics: m.Handler(),
	}, auth.Middleware(keyring))

	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		resilient:  resilient,
		hub:        hub,
		metrics:    m,
		dispatcher: d,
		sweeper:    sqlite.NewSweeper(resilient, hub, cfg.Sweeper.Interval, cfg.Sweeper.Grace, logger),
		mcp:        mcpServer,
		gateway:    gateway,
		keyring:    keyring,
		handler:    handler,
	}, nil
}

// Handler is the complete HTTP surface.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

func (a *App) Hub() *notify.Hub { return a.hub }

func (a *App) Keyring() *auth.Keyring { return a.keyring }

func (a *App) Config() *config.Config { return a.cfg }

// StartBackground launches the lock reaper. Close stops it.
func (a *App) StartBackground(ctx context.Context) {
	a.sweeper.Start(ctx)
}

// Run serves HTTP until ctx is cancelled, then shuts down in order: stop
// accepting and drain, stop the reaper, close the hub, close the store.
func (a *App) Run(ctx context.Context) error {
	srv, err := server.New(server.Config{
		Addr:       a.cfg.Server.Addr,
		SocketPath: a.cfg.Server.SocketPath,
		Handler:    a.handler,
		Logger:     a.logger,
	})
	if err != nil {
		a.Close()
		return err
	}
	a.StartBackground(ctx)
	runErr := srv.Run(ctx)
	return errors.Join(runErr, a.Close())
}

// Close stops background work and releases resources. Call it once, after
// the HTTP server stopped.
func (a *App) Close() error {
	a.sweeper.Stop()
	a.dispatcher.Close()
	a.hub.Close()
	if err := a.resilient.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
