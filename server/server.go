// Package server exposes the coordinator over HTTP: assignment creation,
// job listings, worker registration, and a WebSocket feed of assignment
// events.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/workmesh/exo/config"
	"github.com/workmesh/exo/errors"
	"github.com/workmesh/exo/exchange"
	"github.com/workmesh/exo/registry"
	"github.com/workmesh/exo/sweep"
)

// Server owns the HTTP listener and the event hub. Construct with New,
// then Start; Stop drains in-flight requests and closes the hub.
type Server struct {
	coordinator *exchange.Coordinator
	registry    *registry.Registry
	sweeper     *sweep.Sweeper // nil when sweeping is disabled
	hub         *Hub
	origins     []string
	logger      *zap.SugaredLogger

	httpServer *http.Server
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a server. The sweeper may be nil; the hub is created here and
// registered as the coordinator's notifier.
func New(coordinator *exchange.Coordinator, reg *registry.Registry, sweeper *sweep.Sweeper, cfg config.ServerConfig, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		coordinator: coordinator,
		registry:    reg,
		sweeper:     sweeper,
		origins:     cfg.AllowedOrigins,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.hub = newHub(ctx, logger)
	coordinator.SetNotifier(s.hub)
	return s
}

// Start binds the listener and serves until Stop is called. Blocks until
// the listener closes.
func (s *Server) Start(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "failed to bind port %d", port)
	}

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.startedAt = time.Now().UTC()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.run()
	}()
	if s.sweeper != nil {
		s.sweeper.Start()
	}

	s.logger.Infow("Server listening", "addr", listener.Addr().String())
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Stop shuts the server down: stop accepting, drain requests, stop the
// sweeper, close the hub.
func (s *Server) Stop() error {
	s.logger.Infow("Server stopping")

	var shutdownErr error
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr = s.httpServer.Shutdown(shutdownCtx)
	}

	if s.sweeper != nil {
		s.sweeper.Stop()
	}

	s.cancel()
	s.wg.Wait()

	if shutdownErr != nil {
		return errors.Wrap(shutdownErr, "http shutdown")
	}
	s.logger.Infow("Server stopped")
	return nil
}
