package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keyfleet/keyfleet/internal/backup"
	"github.com/keyfleet/keyfleet/internal/bindings"
	"github.com/keyfleet/keyfleet/internal/cache"
	"github.com/keyfleet/keyfleet/internal/config"
	apierrors "github.com/keyfleet/keyfleet/internal/errors"
	"github.com/keyfleet/keyfleet/internal/ingest"
	"github.com/keyfleet/keyfleet/internal/keys"
	"github.com/keyfleet/keyfleet/internal/logging"
	"github.com/keyfleet/keyfleet/internal/middleware"
	"github.com/keyfleet/keyfleet/internal/monitoring"
	"github.com/keyfleet/keyfleet/internal/rotation"
)

// APIServer represents the main API server
type APIServer struct {
	config      *config.Config
	router      *gin.Engine
	db          *pgxpool.Pool
	redis       *cache.Redis
	keySvc      *keys.Service
	backupSvc   *backup.Service
	bindingSvc  *bindings.Service
	ingestSvc   *ingest.Service
	rotationSvc *rotation.Service
}

// NewAPIServer creates a new API server instance. The rotation service is
// shared with the scheduler so the manual check endpoint and the timer
// drive the same code path.
func NewAPIServer(cfg *config.Config, db *pgxpool.Pool, rdb *cache.Redis, rotationSvc *rotation.Service) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	keySvc := keys.NewService(db)
	bindingSvc := bindings.NewService(db)
	srv := &APIServer{
		config:      cfg,
		router:      router,
		db:          db,
		redis:       rdb,
		keySvc:      keySvc,
		backupSvc:   backup.NewService(db),
		bindingSvc:  bindingSvc,
		ingestSvc:   ingest.NewService(db, keySvc, bindingSvc, &cfg.Webhook),
		rotationSvc: rotationSvc,
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", monitoring.GinHandler())

	v1 := s.router.Group("/api/v1")
	{
		// Operator surface (shared admin token)
		admin := v1.Group("/")
		admin.Use(middleware.AdminAuth(&s.config.Admin))
		{
			keyGroup := admin.Group("/keys")
			{
				keyGroup.POST("", s.handleCreateKey)
				keyGroup.GET("", s.handleListKeys)
				keyGroup.GET("/:id", s.handleGetKey)
				keyGroup.DELETE("/:id", s.handleDeleteKey)
				keyGroup.POST("/:id/reset", s.handleResetKeyStats)
				keyGroup.POST("/:id/spend", s.handleRecordSpend)
			}

			backupGroup := admin.Group("/backup-keys")
			{
				backupGroup.POST("", s.handleCreateBackupKey)
				backupGroup.GET("", s.handleListBackupKeys)
				backupGroup.GET("/stats", s.handleBackupStats)
				backupGroup.DELETE("/:id", s.handleDeleteBackupKey)
				backupGroup.POST("/:id/restore", s.handleRestoreBackupKey)
			}

			proxyGroup := admin.Group("/proxies")
			{
				proxyGroup.POST("", s.handleCreateProxy)
				proxyGroup.GET("", s.handleListProxies)
				proxyGroup.DELETE("/:id", s.handleDeleteProxy)
				proxyGroup.GET("/:id/bindings", s.handleListProxyBindings)
				proxyGroup.POST("/:id/bindings", s.handleCreateBinding)
				proxyGroup.PUT("/:id/bindings/:keyId", s.handleUpdateBinding)
				proxyGroup.DELETE("/:id/bindings/:keyId", s.handleDeleteBinding)
				proxyGroup.DELETE("/:id/bindings", s.handleDeleteProxyBindings)
			}

			bindingGroup := admin.Group("/bindings")
			{
				bindingGroup.GET("", s.handleListBindings)
				bindingGroup.POST("/repair", s.handleRepairBindings)
			}

			spendGroup := admin.Group("/spend")
			{
				spendGroup.GET("/summary", s.handleSpendSummary)
				spendGroup.GET("/history", s.handleSpendHistory)
				spendGroup.POST("/check", s.handleSpendCheck)
			}

			// Read-only contract the external router consumes
			admin.GET("/router/proxies/:id/keys", s.handleRouterView)
		}

		// Provisioning surface (shared webhook secret, rate limited)
		webhook := v1.Group("/webhook")
		webhook.Use(middleware.WebhookAuth(&s.config.Webhook))
		webhook.Use(middleware.RateLimit(ingest.NewRateLimiter(s.redis, &s.config.RateLimit)))
		{
			webhook.GET("/status", s.handleWebhookStatus)
			webhook.POST("/keys", s.handleWebhookRotate)
		}
	}
}

// healthCheck reports service, database and cache health
func (s *APIServer) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	dbStatus := "healthy"
	if err := s.db.Ping(ctx); err != nil {
		dbStatus = "unhealthy"
	}
	stat := s.db.Stat()
	monitoring.SetDBConnections(int(stat.AcquiredConns()), int(stat.IdleConns()))

	redisStatus := "healthy"
	if err := s.redis.Health(ctx); err != nil {
		redisStatus = "unhealthy"
	}

	status := http.StatusOK
	overall := "healthy"
	if dbStatus != "healthy" || redisStatus != "healthy" {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status":   overall,
		"service":  "keyfleet",
		"database": dbStatus,
		"redis":    redisStatus,
	})
}

// respondError sends a standardized error response
func respondError(c *gin.Context, err *apierrors.APIError) {
	c.JSON(err.HTTPStatus, apierrors.ErrorResponse{
		Error:     *err,
		RequestID: middleware.GetRequestIDFromContext(c),
	})
}
