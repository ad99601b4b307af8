// Package server is the read-only operator console of the dispute daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/config"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/health"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/idgen"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/logging"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/loop"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/metrics"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/persistence"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/ratelimit"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/realtime"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/resolution"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/security"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/validation"
)

// Desk is a dispute manager as the console sees it. Its methods are only
// called on the scheduler's thread.
type Desk interface {
	Spec() resolution.Spec
	Disputes() []*dispute.Dispute
	ValidationExceptions() *validation.Collection
	IsReady() bool
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the state it reports on
type Server struct {
	cfg         *config.Config
	sched       loop.Scheduler
	desks       []Desk
	corrupted   *persistence.CorruptedFileCollector
	health      *health.Registry
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx context.CancelFunc // cancels the hub started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDesks sets the dispute managers listed by the console.
func WithDesks(desks ...Desk) Option {
	return func(s *Server) {
		s.desks = append(s.desks, desks...)
	}
}

// WithCorruptedFiles sets the collector of quarantined persistence files.
func WithCorruptedFiles(c *persistence.CorruptedFileCollector) Option {
	return func(s *Server) {
		s.corrupted = c
	}
}

// WithHealth sets the subsystem health registry.
func WithHealth(r *health.Registry) Option {
	return func(s *Server) {
		s.health = r
	}
}

// WithHub sets the event feed served on /ws. The dispute engines publish to
// the same hub.
func WithHub(h *realtime.Hub) Option {
	return func(s *Server) {
		s.realtimeHub = h
	}
}

// New creates the console. sched is the logical thread dispute state lives
// on; every read of a Desk is posted to it.
func New(cfg *config.Config, sched loop.Scheduler, opts ...Option) (*Server, error) {
	if sched == nil {
		return nil, errors.New("server: scheduler required")
	}
	s := &Server{
		cfg:    cfg,
		sched:  sched,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = health.NewRegistry()
	}
	if s.corrupted == nil {
		s.corrupted = persistence.NewCorruptedFileCollector()
	}
	if s.realtimeHub == nil {
		s.realtimeHub = realtime.NewHub(s.logger)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())

	s.router.Use(
		gin.CustomRecovery(s.recovered),
		security.HeadersMiddleware(),
		security.CORSMiddleware(s.cfg.AllowedOrigins),
		s.rateLimiter.Middleware(),
		metrics.Middleware(),
		s.requestContext(),
		s.accessLog(),
	)
}

func (s *Server) recovered(c *gin.Context, recovered any) {
	logging.L(c.Request.Context()).Error("panic in console handler",
		"panic", recovered,
		"path", c.Request.URL.Path,
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// requestContext gives every request an id and a logger carrying it. Routes
// about one trade also tag the logger with the trade id.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithLogger(c.Request.Context(), s.logger.With("request_id", requestID))
		if tradeID := c.Param("tradeId"); tradeID != "" {
			ctx = logging.WithTradeID(ctx, tradeID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// accessLog logs server errors at error, client errors at warn and the rest
// at debug.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		ctx := c.Request.Context()
		logging.L(ctx).Log(ctx, level, "console request",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	{
		v1.GET("/disputes", s.listDisputes)
		v1.GET("/disputes/:tradeId", validation.TradeIDParamMiddleware(), s.getDisputes)
		v1.GET("/validation", s.listValidationExceptions)
		v1.GET("/persistence/corrupted", s.listCorruptedFiles)
		v1.GET("/feed/stats", s.feedStats)
	}

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
}

// onLoop runs fn on the logical thread and waits for it.
func (s *Server) onLoop(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	s.sched.Execute(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Run serves the console and the event feed until ctx is done, the process
// is signalled or the listener fails. It does not stop the dispute
// managers; the caller flushes them after Run returns.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel
	go s.realtimeHub.Run(runCtx)

	// No write timeout: /ws connections are long lived.
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		s.logger.Info("starting operator console", "port", s.cfg.Port, "desks", len(s.desks))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()
	s.ready.Store(true)

	sigCtx, stop := signal.NotifyContext(runCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-listenErr:
		_ = s.Shutdown()
		return fmt.Errorf("operator console: %w", err)
	case <-sigCtx.Done():
		s.logger.Info("stopping operator console", "reason", context.Cause(sigCtx))
	}
	return s.Shutdown()
}

// Shutdown stops the feed and drains open requests.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.httpSrv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("console shutdown", "error", err)
		return err
	}
	s.logger.Info("operator console stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
