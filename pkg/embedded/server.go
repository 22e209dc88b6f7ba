// Package embedded provides an embeddable coordination server for in-process use.
package embedded

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mistakeknot/toomanycooks/internal/app"
	"github.com/mistakeknot/toomanycooks/internal/auth"
	"github.com/mistakeknot/toomanycooks/internal/config"
	"github.com/mistakeknot/toomanycooks/internal/server"
)

// Config configures the embedded server
type Config struct {
	// DBPath is the path to the SQLite database file.
	// If empty, defaults to ~/.too_many_cooks/data.db
	DBPath string

	// InMemory keeps all state in a private in-memory database and ignores
	// DBPath.
	InMemory bool

	// Port is the HTTP port to listen on. 0 picks a free port; read it
	// back with Addr.
	Port int

	// Host is the host to bind to.
	// If empty, defaults to localhost (127.0.0.1).
	Host string

	// Lease overrides the lock lease.
	Lease time.Duration

	// Logger receives server logs. Nil discards them.
	Logger *slog.Logger
}

// Server is an embedded coordination server
type Server struct {
	app     *app.App
	http    *server.Server
	cancel  context.CancelFunc
	done    chan error
	started bool
	stopped bool
	mu      sync.Mutex
}

// New creates an embedded server without credentials: every caller on the
// loopback interface is trusted as admin.
func New(cfg Config) (*Server, error) {
	return newServer(cfg, auth.NewKeyring(true, nil, nil))
}

// NewWithAuth creates an embedded server that enforces the keys file next
// to the database, bootstrapping one on first use.
func NewWithAuth(cfg Config) (*Server, error) {
	return newServer(cfg, nil)
}

func newServer(cfg Config, ring *auth.Keyring) (*Server, error) {
	c := config.Default()
	if cfg.DBPath != "" {
		c.Storage.DBPath = cfg.DBPath
		c.Storage.DataDir = filepath.Dir(cfg.DBPath)
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	c.Server.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	if cfg.Lease > 0 {
		c.Locks.Lease = cfg.Lease
	}
	if !cfg.InMemory {
		if err := os.MkdirAll(filepath.Dir(c.Storage.DBPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	a, err := app.New(app.Options{Config: c, Logger: logger, Keyring: ring, InMemory: cfg.InMemory})
	if err != nil {
		return nil, err
	}
	srv, err := server.New(server.Config{Addr: c.Server.Addr, Handler: a.Handler(), Logger: logger})
	if err != nil {
		a.Close()
		return nil, err
	}
	return &Server{app: a, http: srv}, nil
}

// Start serves in the background. The listener is already bound, so
// requests succeed as soon as Start returns.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("server stopped")
	}
	if s.started {
		return nil
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	s.app.StartBackground(ctx)
	go func() { s.done <- s.http.Run(ctx) }()
	return nil
}

// Stop drains requests, stops the reaper and closes the database. A server
// that was never started only releases its resources.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	var runErr error
	if s.started {
		s.cancel()
		runErr = <-s.done
	} else {
		runErr = s.http.Shutdown(context.Background())
	}
	if err := s.app.Close(); err != nil {
		return err
	}
	return runErr
}

// Addr returns the server's listen address
func (s *Server) Addr() string {
	return s.http.Addr()
}

// URL returns the base URL for the server
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.http.Addr())
}

// AdminKeyring exposes the keyring in use, for callers that mint tokens.
func (s *Server) AdminKeyring() *auth.Keyring {
	return s.app.Keyring()
}
