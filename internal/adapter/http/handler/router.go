package handler

import (
	"meter-recharge/internal/adapter/http/middleware"
	"meter-recharge/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	PaymentSvc     ports.PaymentService
	WebhookSvc     ports.WebhookIntakeService
	ReconcileSvc   ports.ReconciliationService
	AdminAuthSvc   ports.AdminAuthService
	TokenSvc       ports.TokenService
	RecoverySecret string             // empty disables the cron credential
	RateLimitStore middleware.Limiter // nil = rate limiting disabled
	HealthCheckers []ports.HealthChecker
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit

	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	rl := func(rule middleware.RateLimitRule) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, rule, deps.Logger)
	}

	v1 := r.Group("/api/v1")

	// --- Gateway push (signature-authenticated per gateway) ---
	webhookHandler := NewWebhookHandler(deps.WebhookSvc, deps.Logger)
	v1.POST("/webhooks/:gateway", webhookHandler.Receive)

	// --- Customer routes (no auth) ---
	paymentHandler := NewPaymentHandler(deps.PaymentSvc)
	payments := v1.Group("/payments")
	{
		payments.POST("/initialize", rl(middleware.RuleInitialize), paymentHandler.Initialize)
		payments.GET("/:reference/verify", rl(middleware.RuleVerify), paymentHandler.Verify)
	}

	// --- Operator routes ---
	adminHandler := NewAdminHandler(deps.AdminAuthSvc, deps.ReconcileSvc)
	jwtAuth := middleware.JWTAuth(deps.TokenSvc, deps.Logger)
	adminOrCron := middleware.AdminOrCronAuth(deps.TokenSvc, deps.RecoverySecret, deps.Logger)

	admin := v1.Group("/admin")
	{
		admin.POST("/login", rl(middleware.RuleAdminLogin), adminHandler.Login)
		admin.POST("/recover-pending", adminOrCron, rl(middleware.RuleAdmin), adminHandler.RecoverPending)
		admin.POST("/transactions/:reference/reconcile", jwtAuth, rl(middleware.RuleAdmin), adminHandler.Reconcile)
		admin.POST("/transactions/:reference/reopen", jwtAuth, rl(middleware.RuleAdmin), adminHandler.Reopen)
		admin.GET("/sweeps/last", jwtAuth, rl(middleware.RuleAdmin), adminHandler.LastSweep)
	}

	return r
}
