package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/esp32panel/panel-core/internal/control"
	"github.com/esp32panel/panel-core/internal/infrastructure/config"
	"github.com/esp32panel/panel-core/internal/infrastructure/logging"
	"github.com/esp32panel/panel-core/internal/infrastructure/metrics"
	"github.com/esp32panel/panel-core/internal/infrastructure/mqtt"
	"github.com/esp32panel/panel-core/internal/settings"
	"github.com/esp32panel/panel-core/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Session is the part of session.Session the server drives.
type Session interface {
	ConnectAndSubscribe(ctx context.Context) error
	SendCommand(cmd control.RGBCommand) error
	ObserveReadings() (<-chan []telemetry.SensorReading, func())
	ObserveConnectionState() (<-chan mqtt.ConnectionState, func())
	Readings() []telemetry.SensorReading
	HistoryCapacity() int
	State() mqtt.ConnectionState
	LastError() error
	ClientID() string
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Session Session

	// Settings is optional; without it preferences are not persisted and
	// GET /settings/rgb returns the defaults.
	Settings settings.Repository

	// DB is optional and only feeds the system summary.
	DB *sql.DB

	Metrics *metrics.Metrics
	Version string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	session   Session
	settings  settings.Repository
	db        *sql.DB
	metrics   *metrics.Metrics
	version   string
	startTime time.Time

	server *http.Server
	hub    *Hub
	cancel context.CancelFunc // cancels background goroutines on Close()
	relays sync.WaitGroup
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("session is required")
	}

	wsCfg := deps.WS
	if wsCfg.Path == "" {
		wsCfg.Path = "/ws"
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     wsCfg,
		logger:    deps.Logger,
		session:   deps.Session,
		settings:  deps.Settings,
		db:        deps.DB,
		metrics:   deps.Metrics,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(wsCfg, deps.Logger, deps.Metrics),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, relays session observers to it, and launches
// the HTTP listener in a background goroutine. The server can be stopped
// with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	s.startRelays(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
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
	s.relays.Wait()

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

// startRelays forwards session observers to the hub until ctx is done or
// the session closes its channels.
func (s *Server) startRelays(ctx context.Context) {
	readings, stopReadings := s.session.ObserveReadings()
	states, stopStates := s.session.ObserveConnectionState()

	s.relays.Add(2) //nolint:mnd // one goroutine per observer
	go func() {
		defer s.relays.Done()
		defer stopReadings()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-readings:
				if !ok {
					return
				}
				s.hub.Broadcast(ChannelReadings, newReadingsResponse(snap, s.session.HistoryCapacity()))
			}
		}
	}()
	go func() {
		defer s.relays.Done()
		defer stopStates()
		for {
			select {
			case <-ctx.Done():
				return
			case state, ok := <-states:
				if !ok {
					return
				}
				s.hub.Broadcast(ChannelConnectionState, s.stateResponse(state))
			}
		}
	}()
}
