// Package api serves the read-only HTTP view of the node registry.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/t77yq/netwatch/internal/broadcast"
	"github.com/t77yq/netwatch/internal/metrics"
	"github.com/t77yq/netwatch/internal/model"
	"github.com/t77yq/netwatch/internal/registry"
	"github.com/t77yq/netwatch/internal/storage"
)

// Option configures optional Server collaborators
type Option func(*Server)

// WithJournal enables the per-node event history endpoint
func WithJournal(journal storage.NodeJournal) Option {
	return func(s *Server) {
		s.journal = journal
	}
}

// WithEvents enables the live event websocket
func WithEvents(events *broadcast.Broadcaster[model.NodeEvent]) Option {
	return func(s *Server) {
		s.events = events
	}
}

// WithMetrics exposes /metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server is the HTTP API of the manager
type Server struct {
	echo     *echo.Echo
	registry *registry.Registry
	journal  storage.NodeJournal
	events   *broadcast.Broadcaster[model.NodeEvent]
	metrics  *metrics.Metrics
	logger   *zap.Logger
	started  time.Time

	// streams is cancelled on shutdown to end websocket feeds
	streams       context.Context
	cancelStreams context.CancelFunc
}

// New creates the server and registers its routes
func New(reg *registry.Registry, logger *zap.Logger, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler

	streams, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:          e,
		registry:      reg,
		logger:        logger.Named("api"),
		started:       time.Now(),
		streams:       streams,
		cancelStreams: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			s.logger.Debug("Request handled", fields...)
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead},
	}))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := s.echo.Group("/api/v1")

	nodes := v1.Group("/nodes")
	nodes.GET("", s.listNodes)
	nodes.GET("/:ip", s.getNode)
	nodes.GET("/:ip/events", s.listNodeEvents)

	v1.GET("/events", s.streamEvents)

	// unversioned paths served by earlier releases of the web server
	s.echo.GET("/nodes", s.listNodes)
	s.echo.GET("/nodes/:ip", s.getNode)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve handles requests on l until Shutdown is called
func (s *Server) Serve(l net.Listener) error {
	s.echo.Listener = l
	s.logger.Info("HTTP API listening", zap.Stringer("addr", l.Addr()))

	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown ends live feeds and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelStreams()
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	s.logger.Info("HTTP API stopped")
	return nil
}

func (s *Server) healthCheck(c echo.Context) error {
	resp := HealthResponse{
		Status: "ok",
		Nodes:  s.registry.Len(),
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.events != nil {
		resp.StreamClients = s.events.Subscribers()
		resp.EventsDropped = s.events.Dropped()
	}
	return c.JSON(http.StatusOK, resp)
}
