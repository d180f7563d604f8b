// Package server sets up the ops HTTP surface: health, metrics, usage
// stats, and the retention admin endpoint. The memory API itself is
// in-process; agents embed the manager directly.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/recallhq/recall/internal/batch"
	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/health"
	"github.com/recallhq/recall/internal/logging"
	"github.com/recallhq/recall/internal/memory"
	"github.com/recallhq/recall/internal/metrics"
	"github.com/recallhq/recall/internal/patterns"
	"github.com/recallhq/recall/internal/profiles"
	"github.com/recallhq/recall/internal/ratelimit"
	"github.com/recallhq/recall/internal/retention"
	"github.com/recallhq/recall/internal/retry"
	"github.com/recallhq/recall/internal/similarity"
	"github.com/recallhq/recall/internal/transactions"
)

// Server wraps the HTTP server and the memory subsystem it fronts.
type Server struct {
	cfg      *config.Config
	manager  *memory.Manager
	retainer *retention.Manager
	checks   *health.Registry
	db       *sql.DB // nil if using in-memory
	router   *gin.Engine
	httpSrv  *http.Server
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a server instance and wires the full memory stack:
// Postgres stores when DATABASE_URL is set, in-memory twins otherwise.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		txStore   transactions.Store
		decStore  transactions.DecisionStore
		profStore profiles.Store
		patStore  patterns.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		txStore = transactions.NewPostgresStore(db)
		decStore = transactions.NewPostgresDecisionStore(db)
		profStore = profiles.NewPostgresStore(db)
		patStore = patterns.NewPostgresStore(db)
		s.checks.Register("database", health.DBChecker(db))
	} else {
		s.logger.Info("using in-memory storage")
		txStore = transactions.NewMemoryStore()
		decStore = transactions.NewMemoryDecisionStore()
		profStore = profiles.NewMemoryStore()
		patStore = patterns.NewMemoryStore()
	}

	if cfg.ProfileCacheTTL > 0 {
		cached, err := profiles.NewCachedStore(profStore, cfg.ProfileCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to build profile cache: %w", err)
		}
		profStore = cached
	}

	s.checks.Register("transactions", health.StoreChecker("transactions", txStore.Stats))
	s.checks.Register("patterns", health.StoreChecker("patterns", patStore.Stats))

	matcher := similarity.NewEngine(txStore, decStore, profStore, s.logger).
		WithThreshold(cfg.SimilarityThreshold).
		WithLimit(cfg.SimilarityLimit).
		WithLookback(cfg.SimilarityLookback()).
		WithMaxCandidates(cfg.SimilarityMaxCandidates)

	batcher := batch.NewCoordinator(s.logger).
		WithChunkSize(cfg.BatchChunkSize).
		WithConcurrency(cfg.BatchConcurrency).
		WithRetryPolicy(retry.Policy{
			MaxAttempts: cfg.BatchMaxRetries,
			BaseDelay:   retry.DefaultPolicy.BaseDelay,
			MaxDelay:    retry.DefaultPolicy.MaxDelay,
		})

	s.retainer = retention.NewManager(txStore, decStore, profStore, patStore, batcher, s.logger).
		WithPeriod(cfg.RetentionPeriod())

	s.manager = memory.NewManager(txStore, decStore, profStore, patStore, matcher, batcher, s.retainer)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// Manager exposes the memory facade for in-process callers.
func (s *Server) Manager() *memory.Manager {
	return s.manager
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	v1 := s.router.Group("/v1")
	v1.Use(s.limiter.Middleware())
	{
		v1.GET("/stats", s.statsHandler)
		v1.POST("/retention/run", s.retentionRunHandler)
	}
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	ok, statuses := s.checks.CheckAll(c.Request.Context())
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": statuses})
}

func (s *Server) statsHandler(c *gin.Context) {
	usage, err := s.manager.UsageStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, usage)
}

func (s *Server) retentionRunHandler(c *gin.Context) {
	report, err := s.manager.RunRetention(c.Request.Context())
	if err != nil {
		status := http.StatusInternalServerError
		body := gin.H{"error": "retention_failed", "message": err.Error()}
		if report != nil {
			body["partial_report"] = report
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Background retention sweeps
	if s.cfg.RetentionInterval > 0 {
		go s.retainer.Scheduler(runCtx, s.cfg.RetentionInterval)
		s.logger.Info("retention scheduler started", "interval", s.cfg.RetentionInterval)
	}

	// Sample DB pool stats into gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
