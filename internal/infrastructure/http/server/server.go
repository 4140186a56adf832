package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/Conte777/connector-service/pkg/httputil"
)

// Server represents fasthttp server
type Server struct {
	server *fasthttp.Server
	Router *router.Router
	api    *httputil.MiddlewareGroup
	addr   string
	logger zerolog.Logger
}

// NewServer creates a new fasthttp server
func NewServer(name, port string, logger zerolog.Logger) *Server {
	r := router.New()

	srv := &fasthttp.Server{
		Handler:      r.Handler,
		Name:         name,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 70 * time.Second, // ensure may wait for a full connect
		IdleTimeout:  120 * time.Second,
	}

	api := httputil.NewMiddlewareGroup(r.Group("/api/v1")).
		Use(httputil.Recover(logger), httputil.RequestLogger(logger))

	return &Server{
		server: srv,
		Router: r,
		api:    api,
		addr:   fmt.Sprintf(":%s", port),
		logger: logger,
	}
}

// API returns the /api/v1 group with recovery and request logging applied
func (s *Server) API() *httputil.MiddlewareGroup {
	return s.api
}

// Handler returns the root request handler
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.server.Handler
}

// RegisterMetrics registers Prometheus metrics endpoint
func (s *Server) RegisterMetrics() {
	prometheusHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s.Router.GET("/metrics", prometheusHandler)
}

// Start starts the HTTP server in a separate goroutine
func (s *Server) Start() error {
	ln, err := net.Listen("tcp4", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln in a separate goroutine
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Msg("Starting HTTP server")

	go func() {
		if err := s.server.Serve(ln); err != nil {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	if err := s.server.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped gracefully")
	return nil
}
