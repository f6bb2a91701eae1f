package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/auth"
	"github.com/nerrad567/gira-ble-core/internal/bridges/gira"
	"github.com/nerrad567/gira-ble-core/internal/device"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/config"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultConfirmWindow is how long a confirmed command waits for the
// device to report a state change.
const defaultConfirmWindow = 5 * time.Second

// DeviceAnnouncer publishes and clears the host-facing records of a device.
// The MQTT bridge implements it.
type DeviceAnnouncer interface {
	AnnounceDevice(d device.Device)
	RetractDevice(d device.Device)
}

// ConnectionChecker reports whether a link is up.
type ConnectionChecker interface {
	IsConnected() bool
}

// DBStatser exposes connection pool statistics.
type DBStatser interface {
	Stats() sql.DBStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Registry   *device.Registry
	Dispatcher *gira.Dispatcher
	Events     *gira.EventBus

	// Optional.
	Pairing            *gira.PairingManager
	History            device.StateHistoryRepository
	Announcer          DeviceAnnouncer
	Reconciler         *gira.Reconciler
	MQTT               ConnectionChecker
	Database           DBStatser
	TransportName      string
	TransportConnected func() bool

	ConfirmWindow time.Duration
	Version       string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg           config.APIConfig
	wsCfg         config.WebSocketConfig
	logger        *logging.Logger
	authn         *auth.Authenticator
	registry      *device.Registry
	dispatcher    *gira.Dispatcher
	events        *gira.EventBus
	pairing       *gira.PairingManager
	history       device.StateHistoryRepository
	announcer     DeviceAnnouncer
	reconciler    *gira.Reconciler
	mqtt          ConnectionChecker
	db            DBStatser
	transportName string
	transportUp   func() bool
	confirmWindow time.Duration
	version       string
	startTime     time.Time

	server *http.Server
	hub    *Hub
	cancel context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if deps.Security.RequireAuth && deps.Security.JWT.Secret == "" && len(deps.Security.APIKeys.Hashes) == 0 {
		return nil, fmt.Errorf("authentication is required but no JWT secret or API key is configured")
	}
	if deps.ConfirmWindow <= 0 {
		deps.ConfirmWindow = defaultConfirmWindow
	}

	s := &Server{
		cfg:    deps.Config,
		wsCfg:  deps.WS,
		logger: deps.Logger,
		authn: auth.NewAuthenticator(auth.AuthenticatorConfig{
			JWTSecret:    deps.Security.JWT.Secret,
			APIKeyHashes: deps.Security.APIKeys.Hashes,
			Required:     deps.Security.RequireAuth,
		}),
		registry:      deps.Registry,
		dispatcher:    deps.Dispatcher,
		events:        deps.Events,
		pairing:       deps.Pairing,
		history:       deps.History,
		announcer:     deps.Announcer,
		reconciler:    deps.Reconciler,
		mqtt:          deps.MQTT,
		db:            deps.Database,
		transportName: deps.TransportName,
		transportUp:   deps.TransportConnected,
		confirmWindow: deps.ConfirmWindow,
		version:       deps.Version,
		startTime:     time.Now(),
		hub:           NewHub(deps.WS, deps.Logger),
	}
	return s, nil
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, relays bus events to it, and launches the
// HTTP listener in a background goroutine. The server can be stopped with
// Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.relayEvents(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr, "auth_required", s.authn.Required())
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
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
		return fmt.Errorf("api server not started")
	}
	return nil
}
