// Package server assembles the escrowd service: storage, the settlement
// client, the domain engines, background timers, and the HTTP surface.
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
	_ "github.com/lib/pq"

	"github.com/cesnetwork/escrowd/internal/antifraud"
	"github.com/cesnetwork/escrowd/internal/config"
	"github.com/cesnetwork/escrowd/internal/dispute"
	"github.com/cesnetwork/escrowd/internal/escrow"
	"github.com/cesnetwork/escrowd/internal/events"
	"github.com/cesnetwork/escrowd/internal/health"
	"github.com/cesnetwork/escrowd/internal/ledger"
	"github.com/cesnetwork/escrowd/internal/logging"
	"github.com/cesnetwork/escrowd/internal/metrics"
	"github.com/cesnetwork/escrowd/internal/ratelimit"
	"github.com/cesnetwork/escrowd/internal/reconciliation"
	"github.com/cesnetwork/escrowd/internal/security"
	"github.com/cesnetwork/escrowd/internal/settlement"
	"github.com/cesnetwork/escrowd/internal/token"
	"github.com/cesnetwork/escrowd/internal/trade"
	"github.com/cesnetwork/escrowd/internal/validation"
)

// Server wires the escrowd components together and serves the HTTP API.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine

	db         *sql.DB
	ledger     *ledger.Ledger
	audit      ledger.AuditLogger
	trades     trade.Store
	fraudStore antifraud.Store
	settlement settlement.Client
	gate       *antifraud.Gate
	engine     *escrow.Engine
	recon      *reconciliation.Service
	disputes   *dispute.Engine
	moderators *dispute.Registry

	bus     *events.Bus
	hub     *events.Hub
	emitter *events.Emitter

	reconTimer      *reconciliation.Timer
	escalationTimer *dispute.Timer

	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc
	ready        atomic.Bool
	healthy      atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSettlementClient injects a settlement client, overriding the one the
// configuration would build. Used by tests to script settlement behavior.
func WithSettlementClient(client settlement.Client) Option {
	return func(s *Server) {
		s.settlement = client
	}
}

// New creates a fully wired server from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	var (
		ledgerStore  ledger.Store
		escrowStore  escrow.Store
		tradeStore   trade.Store
		disputeStore dispute.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		s.db = db
		ledgerStore = ledger.NewPostgresStore(db)
		s.audit = ledger.NewPostgresAuditLogger(db)
		escrowStore = escrow.NewPostgresStore(db)
		tradeStore = trade.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		s.fraudStore = antifraud.NewPostgresStore(db)

		s.logger.Info("using postgresql storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		s.audit = ledger.NewMemoryAuditLogger()
		escrowStore = escrow.NewMemoryStore()
		tradeStore = trade.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.fraudStore = antifraud.NewMemoryStore()

		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
	}

	s.ledger = ledger.New(ledgerStore, ledger.WithAudit(s.audit))
	s.trades = tradeStore

	// Event plumbing: slog sink for operators, websocket hub for clients.
	s.bus = events.NewBus(s.logger, 256)
	s.bus.Subscribe(&events.SlogSink{Logger: s.logger})
	s.hub = events.NewHub(s.logger)
	s.bus.Subscribe(s.hub)
	s.emitter = events.NewEmitter(s.bus)

	if s.settlement == nil {
		client, err := buildSettlementClient(cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.settlement = client
	}

	s.gate = antifraud.NewGate(antifraud.GateConfig{
		MinAccountAge:       cfg.MinAccountAge,
		HourlyOrderCap:      cfg.HourlyOrderCap,
		DailyOrderCap:       cfg.DailyOrderCap,
		PriceDeviationFrac:  cfg.PriceDeviationFrac,
		MinCompletionRatio:  cfg.MinCompletionRatio,
		MinReputationSample: cfg.MinReputationSample,
		NewAccountValueCap:  cfg.NewAccountValueCap,
		NewAccountAge:       cfg.NewAccountAge,
		SuspiciousDenyCount: cfg.SuspiciousDenyCount,
	}, &accountDirectory{s.ledger}, tradeStore).
		WithSuspicionCounter(antifraud.NewMemoryCounter(cfg.SuspiciousTTL)).
		WithStore(s.fraudStore)

	s.engine = escrow.NewEngine(escrowStore, s.ledger, escrow.EngineConfig{
		SettlementBacked:   cfg.SettlementBacked,
		SettlementAttempts: cfg.SettlementAttempts,
		LockWaitTimeout:    cfg.LockWaitTimeout,
	}).
		WithSettlement(s.settlement).
		WithGate(s.gate).
		WithTradeMirror(tradeStore).
		WithEmitter(s.emitter)

	s.recon = reconciliation.NewService(reconciliation.Config{
		SettlementBacked: cfg.SettlementBacked,
		Epsilon:          cfg.ReconcileEpsilon,
		OrphanGrace:      cfg.OrphanGracePeriod,
	}, s.ledger, s.settlement).
		WithEscrowStore(escrowStore).
		WithLocker(s.engine).
		WithEmitter(s.emitter)
	s.engine.WithValidator(s.recon)

	s.reconTimer = reconciliation.NewTimer(s.recon, reconciliation.SweepOptions{
		AutoFix:        true,
		CheckOrphans:   true,
		OnlyWithIssues: true,
	}, cfg.ReconcileInterval, s.logger)

	s.moderators = dispute.NewRegistry()
	seedModerators(s.moderators)

	s.disputes = dispute.NewEngine(disputeStore, s.engine, s.moderators, dispute.EngineConfig{
		EscalationWindow: cfg.EscalationWindow,
	}).
		WithTradeLinker(tradeStore).
		WithEmitter(s.emitter)

	s.escalationTimer = dispute.NewTimer(s.disputes, 0, s.logger)

	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	if cfg.SettlementBacked {
		client := s.settlement
		s.checks.Register("settlement", func(ctx context.Context) health.Status {
			if _, err := client.BalanceOf(ctx, probeAccountRef, token.CES); err != nil {
				return health.Status{Name: "settlement", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "settlement", Healthy: true}
		})
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

// probeAccountRef is the account the settlement health check queries. The
// zero address always resolves; only transport failures mark the check down.
const probeAccountRef = "0x0000000000000000000000000000000000000000"

// buildSettlementClient picks the settlement implementation from config. The
// chain client needs signing credentials; without them settlement-backed mode
// falls back to the simulated book so local development still exercises the
// two-phase path.
func buildSettlementClient(cfg *config.Config, logger *slog.Logger) (settlement.Client, error) {
	if cfg.SettlementBacked && cfg.PrivateKey != "" {
		client, err := settlement.NewChainClient(settlement.ChainConfig{
			RPCURL:         cfg.RPCURL,
			PrivateKey:     cfg.PrivateKey,
			ChainID:        cfg.ChainID,
			TokenContract:  cfg.TokenContract,
			EscrowContract: cfg.EscrowContract,
			Timeout:        cfg.SettlementTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create settlement client: %w", err)
		}
		logger.Info("chain settlement enabled",
			"chainId", cfg.ChainID,
			"escrowContract", cfg.EscrowContract,
		)
		return client, nil
	}

	if cfg.SettlementBacked {
		logger.Warn("settlement-backed mode without chain credentials, using simulated settlement layer")
	}
	return settlement.NewSimulated(), nil
}

// seedModerators registers the default dispute moderation roster. Moderators
// are operational configuration, not user data, so they live in memory.
func seedModerators(r *dispute.Registry) {
	r.Register(&dispute.Moderator{
		ID:              "mod_fraud_1",
		Name:            "Fraud desk",
		Tier:            1,
		Specializations: []dispute.Category{dispute.CategoryFraud},
	})
	r.Register(&dispute.Moderator{
		ID:   "mod_general_1",
		Name: "General desk",
		Tier: 1,
	})
	r.Register(&dispute.Moderator{
		ID:   "mod_senior_1",
		Name: "Senior desk",
		Tier: 2,
	})
	r.Register(&dispute.Moderator{
		ID:   "mod_lead_1",
		Name: "Escalation lead",
		Tier: 3,
	})
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

	// WebSocket event feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())

	ledgerHandler := ledger.NewHandler(s.ledger).WithAuditQuery(s.audit)
	ledgerHandler.RegisterRoutes(v1)

	tradeHandler := trade.NewHandler(s.trades)
	tradeHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.engine)
	escrowHandler.RegisterRoutes(v1)

	fraudHandler := antifraud.NewHandler(s.gate, s.fraudStore)
	fraudHandler.RegisterRoutes(v1)

	reconHandler := reconciliation.NewHandler(s.recon)
	reconHandler.RegisterRoutes(v1)

	disputeHandler := dispute.NewHandler(s.disputes, s.moderators)
	disputeHandler.RegisterRoutes(v1)

	v1.GET("/events/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

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

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
	mode := "local-only"
	if s.cfg.SettlementBacked {
		mode = "settlement-backed"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowd",
		"description": "Dual-ledger escrow service for P2P CES token trades",
		"version":     "0.1.0",
		"mode":        mode,
		"currency":    token.CES,
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
			"settlementBacked", s.cfg.SettlementBacked,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Event fan-out and websocket hub
	go s.bus.Run(runCtx)
	go s.hub.Run(runCtx)

	// Reconciliation sweep timer
	go s.reconTimer.Start(runCtx)

	// Dispute escalation timer
	go s.escalationTimer.Start(runCtx)

	// DB pool stats
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

	// Cancel the context for all background goroutines (bus, hub, timers)
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

	s.reconTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	s.escalationTimer.Stop()
	s.logger.Info("escalation timer stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close chain settlement connection
	if chainClient, ok := s.settlement.(*settlement.ChainClient); ok {
		chainClient.Close()
		s.logger.Info("settlement client closed")
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

// accountDirectory adapts the ledger to antifraud.AccountDirectory.
type accountDirectory struct {
	l *ledger.Ledger
}

func (d *accountDirectory) AccountCreatedAt(ctx context.Context, accountID string) (time.Time, error) {
	acct, err := d.l.GetAccount(ctx, accountID)
	if err != nil {
		return time.Time{}, err
	}
	return acct.CreatedAt, nil
}
