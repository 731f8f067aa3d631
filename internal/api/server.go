// Package api provides the HTTP API and WebSocket server for the CoAP gateway.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/coap-gateway/internal/bridges/coap"
	"github.com/nerrad567/coap-gateway/internal/history"
	"github.com/nerrad567/coap-gateway/internal/infrastructure/config"
	"github.com/nerrad567/coap-gateway/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// DeviceGateway performs the four device operations. *coap.Gateway implements it.
type DeviceGateway interface {
	GetLEDState(ctx context.Context) (coap.LEDStatus, error)
	SetLEDState(ctx context.Context, command string) (coap.LEDControl, error)
	GetTemperature(ctx context.Context) (coap.TemperatureReading, error)
	GetAltTemperature(ctx context.Context) (coap.TemperatureReading, error)
}

// ConnectionStatus reports broker connectivity. *mqtt.Client implements it.
type ConnectionStatus interface {
	IsConnected() bool
}

// PoolStats reports connection pool statistics. *database.DB implements it.
type PoolStats interface {
	Stats() sql.DBStats
}

// PollerStatsSource reports poller counters. *coap.Poller implements it.
type PollerStatsSource interface {
	Stats() coap.PollerStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Gateway DeviceGateway
	Version string

	// Panel serves the dashboard at "/" and "/static/*". Optional.
	Panel http.Handler

	// History backs /api/v1/history. Optional; the endpoint answers 503 without it.
	History history.Repository

	// Statistics sources for /api/v1/metrics. All optional.
	Exchanges coap.ExchangeStatsSource
	Transport coap.TransportStatsSource
	Readings  coap.ReadingStatsSource
	Poller    PollerStatsSource
	MQTT      ConnectionStatus
	DB        PoolStats
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	gateway   DeviceGateway
	panel     http.Handler
	history   history.Repository
	exchanges coap.ExchangeStatsSource
	transport coap.TransportStatsSource
	readings  coap.ReadingStatsSource
	poller    PollerStatsSource
	mqtt      ConnectionStatus
	db        PoolStats
	version   string
	startTime time.Time

	hub *Hub

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc // cancels the hub on Close()
}

// New creates a new API server with the given dependencies.
//
// The WebSocket hub is created here so readings can be routed to it before
// Start is called. The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("device gateway is required")
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		gateway:   deps.Gateway,
		panel:     deps.Panel,
		history:   deps.History,
		exchanges: deps.Exchanges,
		transport: deps.Transport,
		readings:  deps.Readings,
		poller:    deps.Poller,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
	}, nil
}

// Hub returns the WebSocket hub. It implements coap.Observer, so it can be
// subscribed to the reading notifier.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves HTTP in a background goroutine.
//
// Binding happens synchronously so a port conflict is returned to the caller.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server starting", "address", listener.Addr().String())

	server := s.server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	s.mu.Lock()
	server := s.server
	cancel := s.cancel
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := server.Shutdown(ctx); err != nil {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
