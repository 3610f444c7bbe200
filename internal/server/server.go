// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/minhctran/vieclance/internal/api"
	"github.com/minhctran/vieclance/internal/auth"
	"github.com/minhctran/vieclance/internal/autoconfirm"
	"github.com/minhctran/vieclance/internal/config"
	"github.com/minhctran/vieclance/internal/escrow"
	"github.com/minhctran/vieclance/internal/health"
	"github.com/minhctran/vieclance/internal/idgen"
	"github.com/minhctran/vieclance/internal/ledger"
	"github.com/minhctran/vieclance/internal/logging"
	"github.com/minhctran/vieclance/internal/metrics"
	"github.com/minhctran/vieclance/internal/notify"
	"github.com/minhctran/vieclance/internal/ratelimit"
	"github.com/minhctran/vieclance/internal/reconciliation"
	"github.com/minhctran/vieclance/internal/security"
	"github.com/minhctran/vieclance/internal/services"
	"github.com/minhctran/vieclance/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	ledger       *ledger.Ledger
	lifecycle    *services.Lifecycle
	escrow       *escrow.Coordinator
	scheduler    *autoconfirm.Scheduler
	reconciler   *reconciliation.Service
	reconTimer   *reconciliation.Timer
	notifier     notify.Notifier
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithNotifier sets a custom event notifier (for testing)
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set logger/notifier)
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = notify.NewEmitter(s.logger)
	}

	split := escrow.FeeSplit{ProviderPercent: cfg.FeeProviderPercent}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var ledgerStore ledger.Store
	var svcStore services.Store
	var escrowStore escrow.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		ledgerStore = ledger.NewPostgresStore(db)
		svcStore = services.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		s.checks.Register("database", health.DBChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		svcStore = services.NewMemoryStore()
		escrowStore = escrow.NewCompositeStore(ledgerStore, svcStore, s.logger)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ledger = ledger.New(ledgerStore, s.logger)
	s.escrow = escrow.NewCoordinator(escrowStore, svcStore, split, s.notifier, s.logger)
	s.lifecycle = services.NewLifecycle(svcStore, s.escrow, s.logger)
	s.logger.Info("escrow enabled", "provider_percent", cfg.FeeProviderPercent)

	// Auto-confirm scheduler settles pending deposits/withdrawals
	s.scheduler = autoconfirm.New(s.ledger, autoconfirm.Config{
		Interval:    cfg.SchedulerInterval,
		Warmup:      cfg.SchedulerWarmup,
		GraceWindow: cfg.ConfirmGraceWindow,
		StaleAfter:  cfg.StaleTimeout,
		BatchSize:   cfg.SchedulerBatchSize,
	}, s.notifier, s.logger)

	// Reconciliation sweep keeps derived balances fresh and flags drift
	s.reconciler = reconciliation.NewService(ledgerStore, cfg.DriftTolerance, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
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
		c.AbortWithStatusJSON(http.StatusInternalServerError, api.Response{
			Success: false,
			Error:   "internal_error",
			Message: "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMinute,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithPrincipal(ctx, c.GetHeader("X-Principal-Id"))
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/", s.infoHandler)

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	svcHandler := services.NewHandler(s.lifecycle, s.logger)
	reconHandler := reconciliation.NewHandler(s.reconciler, s.logger)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware())

	// PUBLIC ROUTES (no identity required)
	reconHandler.RegisterRoutes(v1)

	// AUTHENTICATED ROUTES (identity headers required)
	authed := v1.Group("")
	authed.Use(auth.Require())
	ledgerHandler.RegisterRoutes(authed)
	svcHandler.RegisterRoutes(authed)

	// ADMIN ROUTES
	admin := v1.Group("/admin")
	admin.Use(auth.Require(), auth.RequireRole(auth.RoleAdmin))
	ledgerHandler.RegisterAdminRoutes(admin)
	svcHandler.RegisterAdminRoutes(admin)
	reconHandler.RegisterAdminRoutes(admin)
	admin.POST("/autoconfirm/run", s.runAutoConfirm)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Vieclance",
		"description": "Escrow wallet and service lifecycle for the Vieclance marketplace",
		"version":     "0.1.0",
		"currency":    "VND",
	})
}

// runAutoConfirm handles POST /v1/admin/autoconfirm/run
func (s *Server) runAutoConfirm(c *gin.Context) {
	stats, err := s.scheduler.Tick(c.Request.Context())
	if err != nil {
		if errors.Is(err, autoconfirm.ErrAlreadyRunning) {
			api.Fail(c, http.StatusConflict, "already_running", "An auto-confirm run is already in progress")
			return
		}
		s.logger.Error("manual auto-confirm run failed", "error", err)
		api.Internal(c)
		return
	}
	api.OK(c, http.StatusOK, "Auto-confirm run finished", gin.H{"stats": stats})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start auto-confirm scheduler
	go s.scheduler.Start(runCtx)
	s.checks.Register("autoconfirm", health.BackgroundChecker("autoconfirm", s.scheduler.Running))

	// Start reconciliation timer
	go s.reconTimer.Start(runCtx)
	s.checks.Register("reconciliation", health.BackgroundChecker("reconciliation", s.reconTimer.Running))

	// Collect database pool metrics
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop auto-confirm scheduler
	s.scheduler.Stop()
	s.logger.Info("auto-confirm scheduler stopped")

	// Stop reconciliation timer
	s.reconTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	return idgen.Hex(16)
}
