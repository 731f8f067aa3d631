package devicesim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpserver "github.com/plgd-dev/go-coap/v3/udp/server"

	"github.com/nerrad567/coap-gateway/internal/bridges/coap"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Server serves a Device over CoAP/UDP.
type Server struct {
	device   *Device
	listener *coapnet.UDPConn
	server   *udpserver.Server

	tickInterval time.Duration

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address is the UDP listen address, e.g. ":5683" or "127.0.0.1:0".
	Address string

	// TickInterval advances tempVar. Zero uses DefaultTickInterval; negative
	// disables ticking.
	TickInterval time.Duration

	// Logger is optional.
	Logger Logger
}

// Listen starts serving device on cfg.Address.
func Listen(device *Device, cfg ServerConfig) (*Server, error) {
	if device == nil {
		return nil, fmt.Errorf("device is required")
	}

	s := &Server{
		device:       device,
		tickInterval: cfg.TickInterval,
		done:         make(chan struct{}),
		logger:       cfg.Logger,
	}
	if s.tickInterval == 0 {
		s.tickInterval = DefaultTickInterval
	}

	router, err := s.router()
	if err != nil {
		return nil, err
	}

	l, err := coapnet.NewListenUDP("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	s.listener = l
	s.server = udp.NewServer(options.WithMux(router))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(l); err != nil {
			s.logError("coap server stopped", err)
		}
	}()

	if s.tickInterval > 0 {
		s.wg.Add(1)
		go s.tickLoop()
	}

	s.logInfo("device simulator listening", "address", s.Addr().String())
	return s, nil
}

// router registers one handler per resource.
func (s *Server) router() (*mux.Router, error) {
	r := mux.NewRouter()
	for _, resource := range coap.Resources() {
		if err := r.Handle(resource.Path(), s.handlerFor(resource)); err != nil {
			return nil, fmt.Errorf("register %s: %w", resource.Path(), err)
		}
	}
	return r, nil
}

func (s *Server) handlerFor(resource coap.Resource) mux.Handler {
	return mux.HandlerFunc(func(w mux.ResponseWriter, r *mux.Message) {
		var payload []byte
		if r.Body() != nil {
			body, err := r.ReadBody()
			if err != nil {
				s.logError("reading request body", err)
				_ = w.SetResponse(codes.BadRequest, message.TextPlain, nil)
				return
			}
			payload = body
		}

		code, answer := s.device.Handle(resource, r.Code(), payload)
		s.logDebug("request handled",
			"resource", string(resource),
			"method", r.Code().String(),
			"code", code.String())

		if err := w.SetResponse(code, message.TextPlain, bytes.NewReader(answer)); err != nil {
			s.logError("setting response", err)
		}
	})
}

func (s *Server) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.device.Tick()
		}
	}
}

// Addr returns the bound UDP address.
func (s *Server) Addr() net.Addr {
	return s.listener.LocalAddr()
}

// Device returns the served device.
func (s *Server) Device() *Device {
	return s.device
}

// Close stops serving. Safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.server.Stop()
		if closeErr := s.listener.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = fmt.Errorf("closing listener: %w", closeErr)
		}
		s.wg.Wait()
	})
	return err
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	<-ctx.Done()
	return s.Close()
}

func (s *Server) logDebug(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, keysAndValues...)
	}
}

func (s *Server) logInfo(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Info(msg, keysAndValues...)
	}
}

func (s *Server) logError(msg string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "error", err)
	}
}
