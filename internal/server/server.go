package server

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
)

const (
	DefaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

type Config struct {
	Addr       string
	SocketPath string
	Handler    http.Handler
	Logger     *slog.Logger
	// ShutdownTimeout bounds the drain of in-flight requests.
	ShutdownTimeout time.Duration
}

// Server serves one handler on a TCP address and, optionally, a unix
// socket. The TCP listener is bound in New so Addr is known before Run.
type Server struct {
	cfg    Config
	http   *http.Server
	ln     net.Listener
	unix   *http.Server
	unixLn net.Listener
	logger *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr required")
	}
	h := cfg.Handler
	if h == nil {
		h = http.NewServeMux()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	s := &Server{
		cfg:    cfg,
		http:   &http.Server{Handler: h, ReadHeaderTimeout: readHeaderTimeout},
		ln:     ln,
		logger: logger.With("component", "server"),
	}

	if cfg.SocketPath != "" {
		// Remove stale socket file from previous run
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			ln.Close()
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		uln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		if err := os.Chmod(cfg.SocketPath, 0660); err != nil {
			uln.Close()
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.unixLn = uln
		s.unix = &http.Server{Handler: h, ReadHeaderTimeout: readHeaderTimeout}
	}

	return s, nil
}

// Addr is the bound TCP address, with the real port when Config.Addr asked
// for port 0.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// SocketPath returns the configured socket path, or empty if not configured.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Run serves until ctx is cancelled, then drains in-flight requests. It
// returns nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	if s.unixLn != nil {
		go func() {
			if err := s.unix.Serve(s.unixLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("unix serve: %w", err)
			}
		}()
	}
	go func() {
		if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve: %w", err)
		}
	}()
	s.logger.Info("listening", "addr", s.Addr(), "socket", s.cfg.SocketPath)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.Shutdown(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections and waits for active requests. Safe
// to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down")
		if s.unix != nil {
			if err := s.unix.Shutdown(ctx); err != nil && s.shutdownErr == nil {
				s.shutdownErr = err
			}
		}
		if s.cfg.SocketPath != "" {
			os.Remove(s.cfg.SocketPath)
		}
		if err := s.http.Shutdown(ctx); err != nil && s.shutdownErr == nil {
			s.shutdownErr = err
		}
		// Listeners that never reached Serve are not closed by Shutdown.
		s.ln.Close()
		if s.unixLn != nil {
			s.unixLn.Close()
		}
	})
	return s.shutdownErr
}
