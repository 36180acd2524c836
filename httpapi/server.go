// Package httpapi serves the node's REST API, the relay endpoint, metrics and
// an optional static web client.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kabili207/zeta-go/core/feed"
	"github.com/kabili207/zeta-go/device/node"
	"github.com/kabili207/zeta-go/device/relay"
	"github.com/kabili207/zeta-go/metrics"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = "127.0.0.1:3030"

// ErrNoCore is returned by NewServer when no core is configured.
var ErrNoCore = errors.New("httpapi: core is required")

// Core is the part of a node the API needs.
type Core interface {
	Snapshot() (node.View, error)
	SubmitLocalPost(author, authorName, content string) (feed.Post, error)
	Counters() *node.Counters
}

var _ Core = (*node.Node)(nil)

// Config configures a Server.
type Config struct {
	// Addr is the listen address. Default: DefaultAddr.
	Addr string

	// Core is the node served by the API. Required.
	Core Core

	// Relay is mounted on /ws when set.
	Relay *relay.Bridge

	// Metrics is served on /metrics when set.
	Metrics *metrics.Metrics

	// StaticDir is served on / when set.
	StaticDir string

	// Logger for request logs. Falls back to zap.NewNop() if nil.
	Logger *zap.Logger
}

// Server represents the HTTP API server.
type Server struct {
	cfg     Config
	log     *zap.Logger
	handler http.Handler
	server  *http.Server
}

// NewServer creates a new HTTP API server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Core == nil {
		return nil, ErrNoCore
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg: cfg,
		log: logger.Named("http"),
	}
	s.handler = s.setupRoutes()
	s.server = &http.Server{
		Addr:           cfg.Addr,
		Handler:        s.handler,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s, nil
}

// Handler returns the fully wrapped route handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/network", ContentType(http.HandlerFunc(s.handleNetwork)))
	mux.Handle("/api/post", ContentType(http.HandlerFunc(s.handlePost)))
	mux.Handle("/api/stats", ContentType(http.HandlerFunc(s.handleStats)))
	mux.Handle("/healthz", ContentType(http.HandlerFunc(s.handleHealth)))

	if s.cfg.Relay != nil {
		mux.Handle("/ws", s.cfg.Relay)
	}
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics.Handler())
	}
	if s.cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}

	return Recovery(s.log)(Logging(s.log)(CORS(mux)))
}

// Start listens on the configured address and serves until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop is called. It returns nil after a graceful
// shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("http server listening", zap.String("addr", ln.Addr().String()))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
