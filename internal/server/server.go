// Package server sets up the HTTP server with all routes
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
	"github.com/mbd888/vigilant/internal/circuitbreaker"
	"github.com/mbd888/vigilant/internal/classifier"
	"github.com/mbd888/vigilant/internal/config"
	"github.com/mbd888/vigilant/internal/download"
	"github.com/mbd888/vigilant/internal/health"
	"github.com/mbd888/vigilant/internal/ledger"
	"github.com/mbd888/vigilant/internal/logging"
	"github.com/mbd888/vigilant/internal/metrics"
	"github.com/mbd888/vigilant/internal/pipeline"
	"github.com/mbd888/vigilant/internal/ratelimit"
	"github.com/mbd888/vigilant/internal/realtime"
	"github.com/mbd888/vigilant/internal/security"
	"github.com/mbd888/vigilant/internal/store"
	"github.com/mbd888/vigilant/internal/validation"
	"github.com/mbd888/vigilant/internal/vault"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	db      *sql.DB
	sqlite  *store.SQLiteBackend
	backend store.Backend

	state       *store.State
	ledger      *ledger.Ledger
	pipeline    *pipeline.Pipeline
	interceptor *download.Interceptor
	realtimeHub *realtime.Hub
	hashes      *vault.HashSet
	vaultClient *vault.Client
	vaultSyncer *vault.Syncer
	registry    vault.Registry
	guard       *classifier.Guard
	health      *health.Registry

	router       *gin.Engine
	httpSrv      *http.Server
	rateLimiter  *ratelimit.Limiter
	cancelRunCtx context.CancelFunc

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBackend replaces the configured storage backend.
func WithBackend(b store.Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// WithClassifierModel overrides CLASSIFIER_URL with an in-process model.
func WithClassifierModel(m classifier.Model) Option {
	return func(s *Server) {
		s.guard = classifier.NewGuard(m)
	}
}

// WithVersion sets the version reported by the health endpoints.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server, opens storage and runs the startup sequence:
// install seeding, genesis, daily stats reset, settings defaults and a
// stored-chain verification.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  slog.Default(),
		version: "dev",
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := logging.WithLogger(context.Background(), s.logger)

	if err := s.openStorage(ctx); err != nil {
		return nil, err
	}

	s.state = store.NewState(s.backend)
	s.ledger = ledger.New(s.state)
	if err := s.bootstrap(ctx); err != nil {
		s.closeStorage()
		return nil, err
	}

	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.AllowedOrigins))

	// Remote vault: local hash set is always present so CHECK_URL answers
	// "unknown" when no vault is configured.
	s.hashes = vault.NewHashSet()
	pipelineOpts := []pipeline.Option{
		pipeline.WithBadgeSink(s.realtimeHub),
		pipeline.WithNotifier(s.realtimeHub),
		pipeline.WithHostLookup(s.hashes),
	}
	if cfg.VaultURL != "" {
		breaker := circuitbreaker.New(5, 30*time.Second)
		s.vaultClient = vault.NewClient(cfg.VaultURL, vault.WithBreaker(breaker))
		s.vaultSyncer = vault.NewSyncer(s.vaultClient, s.hashes, cfg.VaultSyncInterval)
		pipelineOpts = append(pipelineOpts, pipeline.WithThreatReporter(s.vaultClient))
		s.logger.Info("vault client enabled", "url", cfg.VaultURL, "interval", cfg.VaultSyncInterval.String())
	}

	if cfg.VaultServe {
		if s.db != nil {
			reg := vault.NewPostgresRegistry(s.db)
			if err := reg.Migrate(ctx); err != nil {
				s.closeStorage()
				return nil, fmt.Errorf("failed to migrate vault registry: %w", err)
			}
			s.registry = reg
		} else {
			s.registry = vault.NewMemoryRegistry()
		}
		s.logger.Info("serving vault registry")
	}

	s.pipeline = pipeline.New(s.state, s.ledger, pipelineOpts...)
	s.interceptor = download.NewInterceptor(
		s.realtimeHub,
		download.PipelineDecider(s.pipeline),
		download.WithTimeout(cfg.DownloadDecisionTimeout),
	)

	if s.guard == nil {
		var model classifier.Model
		if cfg.ClassifierURL != "" {
			model = classifier.NewHTTPModel(cfg.ClassifierURL, circuitbreaker.New(3, 15*time.Second))
			s.logger.Info("classifier enabled", "url", cfg.ClassifierURL)
		}
		s.guard = classifier.NewGuard(model)
	}

	s.setupHealth()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) openStorage(ctx context.Context) error {
	if s.backend != nil {
		s.logger.Info("using injected storage backend")
		return nil
	}

	switch s.cfg.StorageKind() {
	case "postgres":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(1 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		pg := store.NewPostgresBackend(db)
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to migrate state store: %w", err)
		}
		s.db = db
		s.backend = pg
		s.logger.Info("using postgres storage", "dsn", maskDSN(s.cfg.DatabaseURL))

	case "sqlite":
		lite, err := store.OpenSQLite(ctx, s.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		s.sqlite = lite
		s.backend = lite
		s.logger.Info("using sqlite storage", "path", s.cfg.SQLitePath)

	default:
		s.backend = store.NewMemoryBackend()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	return nil
}

func (s *Server) bootstrap(ctx context.Context) error {
	if err := s.state.Install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	created, err := s.ledger.Init(ctx)
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}
	if created {
		s.logger.Info("threat ledger initialized with genesis block")
	}
	if _, err := s.state.ResetDailyStatsIfNeeded(ctx); err != nil {
		return fmt.Errorf("reset daily stats: %w", err)
	}
	if _, err := s.state.EnsureSettingsDefaults(ctx); err != nil {
		return fmt.Errorf("settings defaults: %w", err)
	}

	v, err := s.ledger.VerifyStored(ctx)
	if err != nil {
		return fmt.Errorf("verify ledger: %w", err)
	}
	if !v.Valid {
		s.logger.Error("threat ledger integrity check failed",
			"first_broken_at", v.FirstBrokenAt,
			"reason", v.Reason,
		)
	}
	return nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(s.version)
	s.health.Register("startup", func(context.Context) health.Status {
		if !s.ready.Load() {
			return health.Status{Healthy: false, Detail: "starting"}
		}
		return health.Status{Healthy: true}
	})
	s.health.Register("store", health.Ping("store", s.state.Ping))
	s.health.Register("ledger", func(ctx context.Context) health.Status {
		tampered, err := s.ledger.Tampered(ctx)
		if err != nil {
			return health.Status{Healthy: false, Detail: err.Error()}
		}
		if tampered {
			// Still serving; the flag is surfaced so operators can act on it.
			return health.Status{Healthy: true, Detail: "tampered"}
		}
		return health.Status{Healthy: true}
	})
	if s.vaultClient != nil {
		s.health.Register("vault", func(context.Context) health.Status {
			st := s.vaultClient.Breaker().State(vault.UpstreamName)
			if st == circuitbreaker.StateOpen {
				return health.Status{Healthy: false, Detail: "circuit open"}
			}
			return health.Status{Healthy: true, Detail: st.String()}
		})
	}
}

func (s *Server) closeStorage() {
	if s.sqlite != nil {
		if err := s.sqlite.Close(); err != nil {
			s.logger.Error("sqlite close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// maskDSN hides the password in a database URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from a proxy or the extension)
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

		// Log level based on status code
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
		case path == "/health" || path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// probes
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for badge, notification and download command events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// V1 API group, rate limited per client
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware())

	pipeline.NewHandler(s.pipeline, s.ledger).RegisterRoutes(v1)
	download.NewHandler(s.interceptor).RegisterRoutes(v1)
	classifier.NewHandler(s.guard).RegisterRoutes(v1)

	if s.registry != nil {
		vault.NewHandler(s.registry).RegisterRoutes(&s.router.RouterGroup)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until a signal, ctx cancellation or a
// listener error.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(logging.WithLogger(ctx, s.logger))
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"storage", s.cfg.StorageKind(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.vaultSyncer != nil {
		go s.vaultSyncer.Run(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	} else if s.sqlite != nil {
		go metrics.StartDBStatsCollector(runCtx, s.sqlite.DB(), 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		s.closeStorage()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// In-flight downloads resolve (decision or fallback) before the hub and
	// storage go away.
	if err := s.interceptor.Wait(ctx); err != nil {
		s.logger.Warn("pending downloads did not resolve", "error", err)
	}
	if err := s.pipeline.Wait(ctx); err != nil {
		s.logger.Warn("registry reports did not finish", "error", err)
	}

	// Cancel the context for background goroutines (hub, vault sync, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.closeStorage()

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Pipeline exposes the decision pipeline, used by in-process integrations.
func (s *Server) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
