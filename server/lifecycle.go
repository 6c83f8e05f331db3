package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/logger"
	"github.com/teranos/episodic/sym"
)

// GRACE: server state management

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// startBackgroundServices starts the pulse daemon and the config watcher
func (s *Server) startBackgroundServices() {
	if s.svc.Sweeper != nil {
		s.svc.Sweeper.Start()
	}
	if s.svc.Scheduler != nil {
		s.svc.Scheduler.Start()
	}
	if s.svc.Dispatcher != nil {
		s.svc.Dispatcher.Start()
		s.logger.Infow(fmt.Sprintf("%s Pulse daemon started", sym.Pulse), "workers", s.svc.Dispatcher.Workers())
	}
	if s.svc.Watcher != nil {
		s.svc.Watcher.Start()
	}
}

// Start starts the background services and serves HTTP on port until Stop
func (s *Server) Start(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", port)
	}
	return s.Serve(l)
}

// Serve starts the background services and serves HTTP on l until Stop
func (s *Server) Serve(l net.Listener) error {
	s.startBackgroundServices()

	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Infow("Server ready", logger.FieldAddress, l.Addr().String())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "HTTP server failed")
	}
	return nil
}

// Stop gracefully shuts down the daemon, the HTTP server and stream clients
func (s *Server) Stop() error {
	s.logger.Infow("Initiating server shutdown")

	// GRACE: transition to draining state
	s.setState(ServerStateDraining)

	// Stop producers first so no new work starts while draining
	if s.svc.Scheduler != nil {
		s.svc.Scheduler.Stop()
	}
	if s.svc.Sweeper != nil {
		s.svc.Sweeper.Stop()
	}
	if s.svc.Dispatcher != nil {
		s.logger.Infow("Stopping dispatcher workers")
		s.svc.Dispatcher.Stop()
	}

	// In-flight callbacks finish; new connections are refused
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	var shutdownErr error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		shutdownErr = srv.Shutdown(ctx)
		cancel()
	}

	// Close all client connections BEFORE cancelling context
	// so readPump/writePump exit cleanly
	s.mu.Lock()
	clientsToClose := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clientsToClose = append(clientsToClose, client)
	}
	s.mu.Unlock()
	if len(clientsToClose) > 0 {
		s.logger.Infow("Closing job stream clients", "count", len(clientsToClose))
		for _, client := range clientsToClose {
			client.close()
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit", "timeout", ShutdownTimeout)
	}

	if s.svc.Watcher != nil {
		if err := s.svc.Watcher.Stop(); err != nil {
			s.logger.Warnw("Failed to stop config watcher", "error", err)
		}
	}

	// GRACE: mark shutdown complete
	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete", "events_dropped", s.svc.Events.Dropped())

	return errors.Wrap(shutdownErr, "HTTP shutdown")
}
