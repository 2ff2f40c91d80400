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

	"github.com/paybroker/paybroker/internal/charge"
	"github.com/paybroker/paybroker/internal/config"
	"github.com/paybroker/paybroker/internal/health"
	"github.com/paybroker/paybroker/internal/logging"
	"github.com/paybroker/paybroker/internal/metrics"
	"github.com/paybroker/paybroker/internal/notify"
	"github.com/paybroker/paybroker/internal/payout"
	"github.com/paybroker/paybroker/internal/processor"
	"github.com/paybroker/paybroker/internal/processor/factory"
	"github.com/paybroker/paybroker/internal/ratelimit"
	"github.com/paybroker/paybroker/internal/reconcile"
	"github.com/paybroker/paybroker/internal/security"
	"github.com/paybroker/paybroker/internal/validation"
	"github.com/paybroker/paybroker/internal/webhook"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	backend        processor.Backend
	machine        *charge.Machine
	payouts        payout.Store
	notifyStore    notify.Store
	dispatcher     *notify.Dispatcher
	emitter        *notify.Emitter
	webhookHandler *webhook.Handler
	reconcileRun   *reconcile.Runner
	reconcileTimer *reconcile.Timer
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithBackend sets a custom processor backend (for testing)
func WithBackend(b processor.Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set backend/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var chargeStore charge.Store
	var checkpoints reconcile.CheckpointStore
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		// Charges with Postgres
		pgCharges := charge.NewPostgresStore(db)
		if err := pgCharges.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate charge store", "error", err)
		}
		chargeStore = pgCharges

		// Transfer ledger with Postgres
		pgPayouts := payout.NewPostgresStore(db)
		if err := pgPayouts.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate transfer store", "error", err)
		}
		s.payouts = pgPayouts

		// Reconciliation checkpoints with Postgres
		pgCheckpoints := reconcile.NewPostgresCheckpoints(db)
		if err := pgCheckpoints.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate checkpoint store", "error", err)
		}
		checkpoints = pgCheckpoints

		// Notification subscriptions with Postgres
		pgSubs := notify.NewPostgresStore(db)
		if err := pgSubs.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate notification store", "error", err)
		}
		s.notifyStore = pgSubs
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		chargeStore = charge.NewMemoryStore()
		s.payouts = payout.NewMemoryStore()
		checkpoints = reconcile.NewMemoryCheckpoints()
		s.notifyStore = notify.NewMemoryStore()
	}

	s.machine = charge.NewMachine(chargeStore, s.logger)

	// Create processor backend if not injected
	if s.backend == nil {
		b, err := factory.New(cfg.ProcessorConfig(), s.machine)
		if err != nil {
			return nil, fmt.Errorf("failed to create processor backend: %w", err)
		}
		s.backend = b
	}
	s.logger.Info("processor backend ready",
		"backend", string(s.backend.Kind()),
		"mode", string(s.backend.Mode()),
	)

	// Outbound notifications
	s.dispatcher = notify.NewDispatcher(s.notifyStore)
	s.emitter = notify.NewEmitter(s.dispatcher, s.logger)
	s.logger.Info("broker notifications enabled")

	// Inbound webhook routing
	s.webhookHandler = webhook.NewHandler()
	wr := webhook.NewRouter(cfg.BrokerName, s.backend, s.machine, s.emitter, s.logger)
	s.webhookHandler.Register(cfg.BrokerName, cfg.WebhookSecret, wr)

	// Reconciliation
	engine := reconcile.NewEngine(s.backend, s.payouts, checkpoints, s.logger)
	s.reconcileRun = reconcile.NewRunner(engine, cfg.Providers, s.logger)
	if len(cfg.Providers) > 0 {
		s.reconcileTimer = reconcile.NewTimer(s.reconcileRun, s.logger)
		s.logger.Info("reconciliation enabled", "providers", cfg.Providers)
	}

	// Subsystem health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.Ping("database", s.db, 5*time.Second))
	}

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
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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
	s.router.GET("/api", s.infoHandler)

	// Inbound processor webhooks (signature-verified, outside /v1)
	s.webhookHandler.RegisterRoutes(s.router)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Payments and charge lifecycle
	v1.POST("/payments", s.createPayment)
	v1.GET("/charges/:chargeId", s.getCharge)
	v1.POST("/charges/:chargeId/poll", s.pollCharge)
	v1.POST("/charges/:chargeId/refunds", s.refundCharge)
	v1.GET("/charges/:chargeId/distribution", s.getDistribution)

	// Card management
	v1.PUT("/subscribers/:subscriber/card", s.updateCard)

	// Provider payouts
	v1.POST("/transfers", s.createTransfer)
	v1.GET("/providers/:provider/transfers", s.listTransfers)

	// Reconciliation (operator-triggered; the timer covers scheduled runs)
	v1.POST("/reconcile", s.runReconciliation)

	// Broker notification subscriptions
	notifyHandler := notify.NewHandler(s.notifyStore, s.dispatcher)
	notifyHandler.RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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
		"name":        "PayBroker",
		"description": "Payment brokering across card processors",
		"version":     "0.1.0",
		"backend":     string(s.backend.Kind()),
		"mode":        string(s.backend.Mode()),
	})
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"backend", string(s.backend.Kind()),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start scheduled reconciliation
	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
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
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop reconciliation timer
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

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
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
