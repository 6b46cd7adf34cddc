// Package server wires the HTTP server, storage, and background workers.
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mdolyak/querygate/internal/auth"
	"github.com/mdolyak/querygate/internal/config"
	"github.com/mdolyak/querygate/internal/directory"
	"github.com/mdolyak/querygate/internal/health"
	"github.com/mdolyak/querygate/internal/ledger"
	"github.com/mdolyak/querygate/internal/logging"
	"github.com/mdolyak/querygate/internal/metrics"
	"github.com/mdolyak/querygate/internal/proxy"
	"github.com/mdolyak/querygate/internal/ratelimit"
	"github.com/mdolyak/querygate/internal/realtime"
	"github.com/mdolyak/querygate/internal/reconciler"
	"github.com/mdolyak/querygate/internal/router"
	"github.com/mdolyak/querygate/internal/security"
	"github.com/mdolyak/querygate/internal/traces"
	"github.com/mdolyak/querygate/internal/txlog"
	"github.com/mdolyak/querygate/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg        *config.Config
	ledger     *ledger.Ledger
	dir        *directory.Directory
	txl        *txlog.Log
	authMgr    *auth.Manager
	proxy      *proxy.Proxy
	reconciler *reconciler.Reconciler
	hub        *realtime.Hub
	checks     *health.Registry

	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil when using in-memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	tracesDown   func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// New creates a server instance with all stores and services wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}

		s.db = db
		s.ledger = ledger.New(ledger.NewPostgresStore(db))
		s.dir = directory.New(directory.NewPostgresStore(db))
		s.txl = txlog.New(txlog.NewPostgresStore(db))
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", health.Database("database", db))
	} else {
		s.ledger = ledger.New(ledger.NewMemoryStore())
		s.dir = directory.New(directory.NewMemoryStore())
		s.txl = txlog.New(txlog.NewMemoryStore())
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Tracing, disabled when no OTLP endpoint is configured.
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.tracesDown = shutdown
	}

	// Prompt routing strategy.
	var resolver router.Resolver
	switch cfg.RouterMode {
	case "worker":
		resolver = router.NewWorkerResolver(s.dir, cfg.RouterWorkerURL)
		s.logger.Info("prompt routing via worker", "url", cfg.RouterWorkerURL)
	default:
		resolver = router.NewKeywordResolver(s.dir)
		s.logger.Info("prompt routing via keyword matching")
	}

	// Live event feed.
	s.hub = realtime.NewHub(s.logger)

	// Payment-gated proxy.
	s.proxy = proxy.New(s.ledger, s.dir, s.txl, resolver, proxy.Config{
		ForwardTimeout:  cfg.ForwardTimeout,
		RefundOnFailure: cfg.RefundOnForwardFailed,
	})
	s.proxy.SetBroadcaster(s.hub)

	// Deposit reconciler, when chain settings are present.
	if cfg.RPCURL != "" && cfg.TreasuryAddress != "" {
		rcfg := reconciler.DefaultConfig()
		rcfg.RPCURL = cfg.RPCURL
		rcfg.ChainID = cfg.ChainID
		rcfg.Treasury = common.HexToAddress(cfg.TreasuryAddress)
		if cfg.TokenContract != "" {
			rcfg.TokenContract = common.HexToAddress(cfg.TokenContract)
		}
		rcfg.Confirmations = uint64(cfg.Confirmations)
		if cfg.StartBlock > 0 {
			rcfg.StartBlock = uint64(cfg.StartBlock)
		}

		var checkpoints reconciler.CheckpointStore
		if s.db != nil {
			checkpoints = reconciler.NewPostgresCheckpointStore(s.db, "deposits")
		} else {
			checkpoints = reconciler.NewMemoryCheckpointStore()
		}

		r, err := reconciler.New(ctx, rcfg, s.ledger, checkpoints, s.logger)
		if err != nil {
			s.logger.Warn("deposit reconciler unavailable", "error", err)
		} else {
			r.SetNotifier(s.hub)
			s.reconciler = r
			s.logger.Info("deposit reconciler configured",
				"treasury", rcfg.Treasury.Hex(),
			)
		}
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an existing request ID from a load balancer.
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket feed of charges and deposits.
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent).
	v1.Use(validation.AddressParamMiddleware())

	// PUBLIC: account registration returns the buyer's API key.
	v1.POST("/accounts", s.registerAccount)
	v1.GET("/accounts/:address/balance", s.getBalance)
	v1.GET("/accounts/:address/history", s.getHistory)

	// PUBLIC: service discovery.
	v1.GET("/services", s.listServices)
	v1.GET("/services/:id", s.getService)

	// PUBLIC: recent charge activity.
	v1.GET("/transactions", s.recentTransactions)
	v1.GET("/services/:id/transactions", s.serviceTransactions)

	// PROTECTED: everything that moves credits or mutates seller state.
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		// Paid query pipeline.
		proxyHandler := proxy.NewHandler(s.proxy, s.dir)
		proxyHandler.RegisterRoutes(protected)

		// Seller service management.
		protected.POST("/services", s.registerService)
		protected.POST("/services/:id/deactivate", s.deactivateService)
		protected.POST("/services/:id/settle", s.settleService)

		// Buyer's own transactions.
		protected.GET("/accounts/:address/transactions",
			auth.RequireOwnership(s.authMgr, "address"), s.buyerTransactions)

		// API key management.
		protected.GET("/auth/keys", s.listKeys)
		protected.DELETE("/auth/keys/:keyId", s.revokeKey)
	}

	// Development-only faucet.
	if s.cfg.FaucetEnabled && !s.cfg.IsProduction() {
		faucet := v1.Group("")
		faucet.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
		faucet.POST("/faucet", s.faucetHandler)
		s.logger.Info("faucet enabled", "amount", faucetAmount)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, then blocks until
// a shutdown signal or a server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second, // forwards can stream for a while
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	if s.reconciler != nil {
		if err := s.reconciler.Start(runCtx); err != nil {
			s.logger.Error("failed to start deposit reconciler", "error", err)
		}
	}

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server and drains background workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.reconciler != nil {
		s.reconciler.Stop()
		s.logger.Info("deposit reconciler stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.tracesDown != nil {
		if err := s.tracesDown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}

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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
