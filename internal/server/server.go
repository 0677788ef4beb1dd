// Package server owns the HTTP listener lifecycle and the ordered release of
// resources on shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/balcao/internal/config"
)

const defaultShutdownTimeout = 10 * time.Second

// Hook releases one resource during shutdown.
type Hook struct {
	Name string
	Fn   func(context.Context) error
}

// Server owns the HTTP lifecycle and orchestrates graceful shutdown.
type Server struct {
	logger          *slog.Logger
	httpServer      *http.Server
	shutdownTimeout time.Duration

	mu    sync.Mutex
	hooks []Hook
	addr  net.Addr
	ready chan struct{}
	once  sync.Once
}

// New prepares the listener from the server config. Nothing binds until Run.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	addr := net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		logger:          logger.With(slog.String("agent", "lifecycle")),
		httpServer:      httpSrv,
		shutdownTimeout: defaultShutdownTimeout,
		ready:           make(chan struct{}),
	}, nil
}

// OnShutdown registers a hook run after the listener drains. Hooks run in
// reverse registration order, so resources opened first close last.
func (s *Server) OnShutdown(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, Hook{Name: name, Fn: fn})
	s.mu.Unlock()
}

// Addr returns the bound address once Run has started listening.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves until ctx is cancelled or the listener fails, then drains
// in-flight requests and runs the shutdown hooks.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		close(s.ready)
		return fmt.Errorf("server: listen: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener starting", slog.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-errCh:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// shutdown collapses the listener once and then releases every registered resource.
func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	s.once.Do(func() {
		s.logger.Info("http listener shutting down")
		errs := []error{}
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: shutdown: %w", err))
		}
		s.mu.Lock()
		hooks := append([]Hook(nil), s.hooks...)
		s.mu.Unlock()
		for i := len(hooks) - 1; i >= 0; i-- {
			hook := hooks[i]
			if err := hook.Fn(ctx); err != nil {
				s.logger.Warn("shutdown hook failed", slog.String("hook", hook.Name), slog.Any("error", err))
				errs = append(errs, fmt.Errorf("server: %s: %w", hook.Name, err))
				continue
			}
			s.logger.Debug("shutdown hook complete", slog.String("hook", hook.Name))
		}
		shutdownErr = errors.Join(errs...)
	})
	return shutdownErr
}
