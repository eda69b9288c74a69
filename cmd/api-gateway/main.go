package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-roles-api/internal/models"
	"github.com/noah-isme/campus-roles-api/internal/notify"
	"github.com/noah-isme/campus-roles-api/internal/repository"
	"github.com/noah-isme/campus-roles-api/internal/service"
	"github.com/noah-isme/campus-roles-api/pkg/cache"
	"github.com/noah-isme/campus-roles-api/pkg/config"
	"github.com/noah-isme/campus-roles-api/pkg/database"
	appErrors "github.com/noah-isme/campus-roles-api/pkg/errors"
	"github.com/noah-isme/campus-roles-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/campus-roles-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/campus-roles-api/pkg/middleware/requestid"
)

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, permission caching disabled", "error", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	requestRepo := repository.NewRoleRequestRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	rateLimitRepo := repository.NewRateLimitRepository(db)
	securityRepo := repository.NewSecurityRepository(db)
	ruleRepo := repository.NewEscalationRuleRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	permissionRepo := repository.NewPermissionRepository(db)

	metrics := service.NewMetricsService()

	dispatcher := notify.NewQueueDispatcher(notify.NewLogSender(logr), logr)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	rateLimits := service.NewRateLimitService(rateLimitRepo, cfg.RateLimit, metrics, logr)
	escalation := service.NewEscalationService(requestRepo, securityRepo, ruleRepo, assignmentRepo, cfg.Escalation, cfg.Session, metrics, logr)
	roles := service.NewRoleService(requestRepo, assignmentRepo, auditRepo, escalation, rateLimits, dispatcher, cfg.RoleEngine, metrics, logr)
	permissions := service.NewPermissionService(permissionRepo, assignmentRepo, redisClient, cfg.RoleEngine.PermissionCacheTTL, logr)
	changes := service.NewRoleChangeService(roles, permissions, assignmentRepo, requestRepo, logr)

	tempRoles := service.NewTempRoleService(assignmentRepo, requestRepo, auditRepo, dispatcher, cfg.RoleEngine, metrics, logr)
	tempRoles.Start(ctx, cfg.RoleEngine.SweepInterval)
	defer tempRoles.Stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Operational surface for on-call use. The user-facing role API lives
	// behind the main platform gateway, not here.
	ops := r.Group("/ops")

	ops.POST("/sweep", func(c *gin.Context) {
		result, err := tempRoles.ProcessExpiredRoles(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	ops.GET("/rate-limits/:userID", func(c *gin.Context) {
		role := models.Role(c.Query("role"))
		status, err := rateLimits.Status(c.Request.Context(), c.Param("userID"), role)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	ops.GET("/requests/:id", func(c *gin.Context) {
		request, err := roles.GetRequest(c.Request.Context(), c.Param("id"))
		if err != nil {
			typed := appErrors.FromError(err)
			c.JSON(typed.Status, gin.H{"error": typed.Message})
			return
		}
		c.JSON(http.StatusOK, request)
	})

	ops.GET("/role-change-impact", func(c *gin.Context) {
		impact, err := changes.ChangeImpactPreview(c.Request.Context(),
			models.Role(c.Query("from")), models.Role(c.Query("to")))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, impact)
	})

	ops.GET("/suspicious", func(c *gin.Context) {
		activities, err := securityRepo.ListUnresolved(c.Request.Context(), 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, activities)
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}
}
