package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sandboxrunner/ctf-supervisor/pkg/monitoring"
	"github.com/sandboxrunner/ctf-supervisor/pkg/sandbox"
)

// DefaultAuthHeader carries the shared secret
const DefaultAuthHeader = "X-AUTH"

// Config holds configuration for the HTTP server
type Config struct {
	Address        string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AuthHeader     string
	SharedSecret   string
	MaxRequestSize int64
	EnableMetrics  bool
	MetricsPath    string
	DefaultLogTail int
	MaxLogTail     int
	EventBuffer    int
	RateLimit      RateLimitConfig
}

// DefaultConfig returns default HTTP server configuration
func DefaultConfig() Config {
	return Config{
		Address:        "0.0.0.0",
		Port:           5000,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		AuthHeader:     DefaultAuthHeader,
		MaxRequestSize: 64 * 1024,
		EnableMetrics:  true,
		MetricsPath:    "/metrics",
		DefaultLogTail: 100,
		MaxLogTail:     5000,
		EventBuffer:    64,
		RateLimit: RateLimitConfig{
			Enabled:   true,
			PerMinute: 6,
			Burst:     3,
			IdleTTL:   10 * time.Minute,
		},
	}
}

// Server exposes the supervisor over HTTP
type Server struct {
	config     Config
	supervisor sandbox.Supervisor
	metrics    *monitoring.Metrics
	router     *mux.Router
	httpServer *http.Server
	logger     zerolog.Logger
	validator  *requestValidator
	limiter    *keyedLimiter
	upgrader   websocket.Upgrader
	now        func() time.Time

	wsConnections map[string]*eventStream
	wsMutex       sync.RWMutex
	wsCount       atomic.Int64

	// Shutdown management
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewServer creates the HTTP server. Metrics is optional.
func NewServer(config Config, supervisor sandbox.Supervisor, metrics *monitoring.Metrics, logger zerolog.Logger) (*Server, error) {
	if supervisor == nil {
		return nil, fmt.Errorf("supervisor cannot be nil")
	}
	if config.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret cannot be empty")
	}

	defaults := DefaultConfig()
	if config.AuthHeader == "" {
		config.AuthHeader = defaults.AuthHeader
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = defaults.MaxRequestSize
	}
	if config.MetricsPath == "" {
		config.MetricsPath = defaults.MetricsPath
	}
	if config.DefaultLogTail <= 0 {
		config.DefaultLogTail = defaults.DefaultLogTail
	}
	if config.MaxLogTail <= 0 {
		config.MaxLogTail = defaults.MaxLogTail
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaults.EventBuffer
	}

	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}

	server := &Server{
		config:     config,
		supervisor: supervisor,
		metrics:    metrics,
		router:     mux.NewRouter(),
		logger:     logger,
		validator:  validator,
		limiter:    newKeyedLimiter(config.RateLimit),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Callers are authenticated by the shared secret, not by origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:           time.Now,
		wsConnections: make(map[string]*eventStream),
		shutdown:      make(chan struct{}),
	}

	server.setupRoutes()
	return server, nil
}

// GetRouter returns the HTTP server's router
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// Start starts listening in the background
func (s *Server) Start(ctx context.Context) error {
	address := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Bool("metrics_enabled", s.config.EnableMetrics).
		Bool("rate_limit_enabled", s.config.RateLimit.Enabled).
		Msg("Starting HTTP server")

	s.httpServer = &http.Server{
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server listen error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cleanupWorker(ctx)
	}()

	return nil
}

// Stop drains in-flight requests and closes event streams
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP server")
	s.shutdownOnce.Do(func() { close(s.shutdown) })

	// Close all event streams; their read pumps deregister them
	s.wsMutex.RLock()
	for _, stream := range s.wsConnections {
		stream.Close()
	}
	s.wsMutex.RUnlock()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("HTTP server shutdown error")
			return err
		}
	}

	s.wg.Wait()
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(monitoring.HTTPMiddleware(routeName))
	s.router.Use(s.authMiddleware)

	// Core lifecycle
	s.router.HandleFunc("/spawn", s.handleSpawn).Methods(http.MethodPost)
	s.router.HandleFunc("/destroy", s.handleDestroy).Methods(http.MethodPost)
	s.router.HandleFunc("/list", s.handleList).Methods(http.MethodGet)

	// Diagnostics
	s.router.HandleFunc("/instances/{id}", s.handleGetInstance).Methods(http.MethodGet)
	s.router.HandleFunc("/instances/{id}/logs", s.handleLogs).Methods(http.MethodGet)
	s.router.HandleFunc("/instances/{id}/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/history/{owner_id}", s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/challenges", s.handleChallenges).Methods(http.MethodGet)
	s.router.HandleFunc("/reconcile", s.handleReconcile).Methods(http.MethodPost)
	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	// Unauthenticated
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.config.EnableMetrics {
		s.router.Handle(s.config.MetricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
}

// isPublic reports whether a path skips the shared-secret check
func (s *Server) isPublic(path string) bool {
	return path == "/healthz" || (s.config.EnableMetrics && path == s.config.MetricsPath)
}

func (s *Server) cleanupWorker(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			if pruned := s.limiter.Prune(); pruned > 0 {
				s.logger.Debug().Int("pruned", pruned).Msg("Pruned idle rate limiters")
			}
		}
	}
}

// routeName returns the matched route template, used as a low
// cardinality label
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if template, err := route.GetPathTemplate(); err == nil {
			return template
		}
	}
	return "unmatched"
}
