package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/puran-edu/approval-chain-api/api/swagger"
	"github.com/puran-edu/approval-chain-api/internal/events"
	"github.com/puran-edu/approval-chain-api/internal/handler"
	"github.com/puran-edu/approval-chain-api/internal/middleware"
	"github.com/puran-edu/approval-chain-api/internal/models"
	"github.com/puran-edu/approval-chain-api/internal/repository"
	"github.com/puran-edu/approval-chain-api/internal/service"
	"github.com/puran-edu/approval-chain-api/internal/workflow"
	"github.com/puran-edu/approval-chain-api/pkg/cache"
	"github.com/puran-edu/approval-chain-api/pkg/config"
	"github.com/puran-edu/approval-chain-api/pkg/database"
	"github.com/puran-edu/approval-chain-api/pkg/email"
	"github.com/puran-edu/approval-chain-api/pkg/logger"
	corsmiddleware "github.com/puran-edu/approval-chain-api/pkg/middleware/cors"
	reqidmiddleware "github.com/puran-edu/approval-chain-api/pkg/middleware/requestid"
	"github.com/puran-edu/approval-chain-api/pkg/storage"
)

// @title Approval Chain API
// @version 1.0.0
// @description Role-based message approval workflow for an educational institution
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching and events degraded", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	metricsSvc := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, metricsSvc, logr)

	uploadStore, err := storage.NewLocalStorage(cfg.Attachments.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to prepare upload storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Attachments.SignedURLSecret, cfg.Attachments.SignedURLTTL)

	var sender email.Sender
	if cfg.Notifier.EmailEnabled {
		sesSender, err := email.NewSESSender(ctx, cfg.Notifier.AWSRegion, cfg.Notifier.EmailSender)
		if err != nil {
			logr.Sugar().Warnw("ses unavailable, email notifications disabled", "error", err)
		} else {
			sender = sesSender
		}
	}

	var bus events.Bus = events.NopBus{}
	if cfg.Events.Enabled && redisClient != nil {
		bus = events.NewRedisBus(redisClient, cfg.Events.Channel, logr)
	}

	notificationSvc := service.NewNotificationService(notificationRepo, cacheRepo, sender, logr, service.NotificationConfig{
		EmailEnabled:      cfg.Notifier.EmailEnabled && sender != nil,
		WorkerConcurrency: cfg.Notifier.WorkerConcurrency,
		WorkerRetries:     cfg.Notifier.WorkerRetries,
		UnreadCacheTTL:    cfg.Cache.NotificationTTL,
	})
	notificationSvc.Start(ctx)
	defer notificationSvc.Stop()

	authSvc := service.NewAuthService(userRepo, nil, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "approval-chain-api",
	})
	messageSvc := service.NewMessageService(messageRepo, userRepo, notificationSvc, bus, workflow.Default(), metricsSvc, nil, logr)
	attachmentSvc := service.NewAttachmentService(uploadStore, signer, service.AttachmentConfig{
		MaxFiles:         cfg.Attachments.MaxFiles,
		MaxFileSizeBytes: cfg.Attachments.MaxFileSizeBytes,
		AllowedMIMEs:     cfg.Attachments.AllowedMIMEs,
		APIPrefix:        cfg.APIPrefix,
	}, logr)
	exportSvc := service.NewExportService(logr, nil, nil)

	go refreshPendingGauge(ctx, messageRepo, metricsSvc, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	messageHandler := handler.NewMessageHandler(messageSvc, attachmentSvc, exportSvc)
	notificationHandler := handler.NewNotificationHandler(notificationSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)
	r.GET("/metrics/summary", metricsHandler.Summary)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", middleware.Audit(userRepo, models.AuditActionRegister, "auth"), authHandler.Register)
			auth.POST("/login", authHandler.Login)
			auth.POST("/refresh", authHandler.Refresh)
			auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
			auth.POST("/change-password", middleware.JWT(authSvc), authHandler.ChangePassword)
			auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
		}

		messages := api.Group("/messages", middleware.JWT(authSvc))
		{
			messages.POST("", middleware.RequireRoles(models.RoleStudent), middleware.Audit(userRepo, models.AuditActionMessageCreate, "messages"), messageHandler.Create)
			messages.GET("", messageHandler.List)
			messages.GET("/:id", messageHandler.Get)
			messages.POST("/:id/action",
				middleware.RequireRoles(models.RoleTeacher, models.RoleHOD, models.RolePrincipal, models.RoleDirector, models.RoleCEO, models.RoleChairman),
				middleware.Audit(userRepo, models.AuditActionMessageAction, "messages"),
				messageHandler.Action)
			messages.GET("/:id/export", messageHandler.Export)
			messages.GET("/:id/attachments/:idx/url", messageHandler.AttachmentURL)
		}

		api.GET("/attachments/download", messageHandler.Download)

		notifications := api.Group("/notifications", middleware.JWT(authSvc))
		{
			notifications.GET("", notificationHandler.List)
			notifications.POST("/:id/read", notificationHandler.MarkRead)
			notifications.GET("/unread-count", notificationHandler.UnreadCount)
		}
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}

// refreshPendingGauge periodically reflects the pending queue depth per role
// into the metrics service.
func refreshPendingGauge(ctx context.Context, repo *repository.MessageRepository, metrics *service.MetricsService, logr *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			counts, err := repo.CountPendingByRole(ctx)
			metrics.ObserveDBQuery("count_pending_by_role", time.Since(start))
			if err != nil {
				logr.Warn("failed to refresh pending message gauge", zap.Error(err))
				continue
			}
			for _, role := range workflow.Default().Roles() {
				metrics.SetPendingMessages(role, counts[role])
			}
		}
	}
}
