package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/registry-supervisor/internal/history"
	"github.com/nerrad567/registry-supervisor/internal/infrastructure/config"
	"github.com/nerrad567/registry-supervisor/internal/infrastructure/logging"
	"github.com/nerrad567/registry-supervisor/internal/process"
	"github.com/nerrad567/registry-supervisor/internal/registry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Supervisor is the part of *process.Supervisor the API uses.
type Supervisor interface {
	Stats() process.Stats
	Stop() error
	Version(ctx context.Context) (string, error)
	ResourceUsage(ctx context.Context) (process.Usage, error)
}

// Registry is the part of *registry.Client the API uses.
type Registry interface {
	Discover(ctx context.Context) (registry.Config, error)
	Cached() (registry.Config, bool)
	PackageVersions(ctx context.Context, pkg string) []string
	RegistryFlag(ctx context.Context, pkg, version string) string
	Running(ctx context.Context) (bool, error)
}

// History is the read side of history.Repository.
type History interface {
	List(ctx context.Context, filter history.Filter) (*history.ListResult, error)
	LatestConfig(ctx context.Context) (*history.StoredConfig, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	Timeouts   Timeouts
	WS         config.WebSocketConfig
	Security   config.SecurityConfig
	Logger     *logging.Logger
	Supervisor Supervisor
	Registry   Registry
	History    History      // optional; history endpoints return 404 without it
	Panel      http.Handler // optional; serves the dashboard outside /api/v1
	Version    string
}

// Timeouts are the HTTP server timeouts.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	timeouts   Timeouts
	wsCfg      config.WebSocketConfig
	secCfg     config.SecurityConfig
	logger     *logging.Logger
	supervisor Supervisor
	registry   Registry
	history    History
	panel      http.Handler
	version    string
	startTime  time.Time

	server   *http.Server
	listener net.Listener
	hub      *Hub
	tickets  *ticketStore
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Supervisor == nil {
		return nil, errors.New("supervisor is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("registry client is required")
	}

	return &Server{
		cfg:        deps.Config,
		timeouts:   deps.Timeouts,
		wsCfg:      deps.WS,
		secCfg:     deps.Security,
		logger:     deps.Logger,
		supervisor: deps.Supervisor,
		registry:   deps.Registry,
		history:    deps.History,
		panel:      deps.Panel,
		version:    deps.Version,
		hub:        NewHub(deps.Logger),
		tickets:    newTicketStore(),
	}, nil
}

// Hub returns the WebSocket hub, so events can be broadcast before and
// after the listener starts.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listen address and serves in a background goroutine.
// Binding happens synchronously so a port conflict is reported here.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)

	s.startTime = time.Now()
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.timeouts.Read,
		ReadHeaderTimeout: s.timeouts.Read,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}

	if s.secCfg.JWT.Secret == "" {
		s.logger.Warn("API authentication disabled: security.jwt.secret is empty", "address", ln.Addr().String())
	}
	s.logger.Info("API server starting", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}
