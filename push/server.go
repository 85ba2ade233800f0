// This file contains the Server struct which manages the HTTP server lifecycle
// for a push Handler and its graceful shutdown.
package push

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	ServerAddr         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	ServerTLSConfig    *tls.Config
	ShutdownTimeout    time.Duration
}

// Server runs an http.Handler, typically a push Handler optionally mounted next
// to other routes.
type Server struct {
	server    *http.Server
	mutex     sync.RWMutex
	listener  net.Listener
	isRunning bool
	serveErr  chan error
	timeout   time.Duration
}

// NewServer creates a server for handler. If handler has a Close method it is
// called when the server shuts down, which disconnects long-lived clients.
func NewServer(handler http.Handler, options *ServerOptions) *Server {
	if options == nil {
		options = &ServerOptions{}
	}
	addr := options.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	timeout := options.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  options.ServerReadTimeout,
		WriteTimeout: options.ServerWriteTimeout,
		IdleTimeout:  options.ServerIdleTimeout,
		TLSConfig:    options.ServerTLSConfig,
	}
	if closer, ok := handler.(interface{ Close() }); ok {
		server.RegisterOnShutdown(closer.Close)
	}
	return &Server{
		server:  server,
		timeout: timeout,
	}
}

// Start binds the configured address and serves in a background goroutine.
// If the server is already running, it returns an error.
func (s *Server) Start() error {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if s.isRunning {
		return errors.New("push: server is already running")
	}
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("push: listen on %s: %w", s.server.Addr, err)
	}
	if s.server.TLSConfig != nil {
		listener = tls.NewListener(listener, s.server.TLSConfig)
	}
	s.listener = listener
	s.isRunning = true
	s.serveErr = make(chan error, 1)

	go func(errc chan<- error) {
		err := s.server.Serve(listener)

		s.mutex.Lock()

		s.isRunning = false
		s.mutex.Unlock()

		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}(s.serveErr)

	return nil
}

// Addr returns the address the server is listening on, or "" before Start.
func (s *Server) Addr() string {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run starts the server and blocks until ctx is done or serving fails, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	s.mutex.RLock()
	serveErr := s.serveErr
	s.mutex.RUnlock()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		return s.Stop(s.timeout)
	}
}

// Listen starts the server and blocks until a shutdown signal is received (SIGINT or SIGTERM).
func (s *Server) Listen() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	defer stop()

	return s.Run(ctx)
}

// IsRunning returns true if the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return s.isRunning
}

// Stop gracefully shuts down the server with the given timeout.
// It stops accepting new connections, disconnects streaming clients and waits for
// in-flight requests. Returns nil if the server was not running.
func (s *Server) Stop(timeout time.Duration) error {
	s.mutex.RLock()

	if !s.isRunning {
		s.mutex.RUnlock()

		return nil
	}
	s.mutex.RUnlock()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)

	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}
