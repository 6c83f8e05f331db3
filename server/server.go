// Package server exposes the workflow callback endpoint, the job and project
// control API and a WebSocket stream of job events, and owns the lifecycle of
// the pulse daemon (dispatcher, scheduler, sweeper, config watcher).
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/pulse/async"
	"github.com/teranos/episodic/pulse/budget"
	"github.com/teranos/episodic/pulse/schedule"
)

// ShutdownTimeout bounds how long Stop waits for server goroutines
const ShutdownTimeout = 10 * time.Second

// ServerState is the GRACE lifecycle state of the server
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

// BreakerReporter reports the workflow circuit breaker state
type BreakerReporter interface {
	BreakerState() string
}

// Services are the components the server exposes and manages.
// Scheduler, Sweeper, Limiter, Breaker and Watcher are optional.
type Services struct {
	Dispatcher    *async.Dispatcher
	Jobs          *async.Store
	Events        *async.Emitter
	Projects      *schedule.ProjectStore
	ProjectEvents *schedule.ProjectEvents
	Scheduler     *schedule.Scheduler
	Sweeper       *schedule.Sweeper
	Tracker       *budget.Tracker
	Limiter       *budget.Limiter
	Breaker       BreakerReporter
	Watcher       *am.ConfigWatcher
}

// Server is the episodic HTTP server
type Server struct {
	svc    Services
	cfg    am.ServerConfig
	logger *zap.SugaredLogger
	clock  func() time.Time

	mux        *http.ServeMux
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32

	mu      sync.Mutex
	clients map[*Client]bool
}

// NewServer creates a server and registers its routes
func NewServer(svc Services, cfg am.ServerConfig, logger *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		svc:     svc,
		cfg:     cfg,
		logger:  logger.Named("server"),
		clock:   time.Now,
		mux:     http.NewServeMux(),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*Client]bool),
	}
	s.setupHTTPRoutes()
	return s
}

// Handler returns the routed handler, used by tests and embedding callers
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ClientCount returns the number of connected job stream clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
