// Package api provides the HTTP API of the AirFi voucher portal.
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// TrustedProxies may set X-Real-IP / X-Forwarded-For. Empty trusts
	// nobody and the TCP peer address is used.
	TrustedProxies []string
	// RedeemRate and RedeemBurst bound redemption attempts per client.
	RedeemRate  float64
	RedeemBurst int
}

// Router wraps the Gin engine with AirFi handlers.
type Router struct {
	engine  *gin.Engine
	handler *Handler
	limiter *ClientLimiter
}

// NewRouter creates a new API router.
func NewRouter(handler *Handler, cfg RouterConfig, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.RemoteIPHeaders = []string{"X-Real-IP", "X-Forwarded-For"}
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	// Middleware
	engine.Use(gin.Recovery())
	engine.Use(RequestIDMiddleware())
	engine.Use(LoggingMiddleware(logger))
	engine.Use(corsMiddleware())

	r := &Router{
		engine:  engine,
		handler: handler,
		limiter: NewClientLimiter(cfg.RedeemRate, cfg.RedeemBurst),
	}

	r.setupRoutes()

	return r, nil
}

// setupRoutes configures all API routes.
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.handler.HealthCheck)

	// Captive client
	redeem := RateLimitMiddleware(r.limiter)
	r.engine.POST("/redeem", redeem, r.handler.Redeem)
	r.engine.POST("/api/redeem", redeem, r.handler.Redeem)

	// Dispensing side
	issue := r.handler.IssuanceKeyMiddleware()
	r.engine.POST("/vouchers", issue, r.handler.IssueVoucher)

	v1 := r.engine.Group("/api/v1")
	{
		v1.POST("/vouchers", issue, r.handler.IssueVoucher)
		v1.GET("/leaderboard", r.handler.Leaderboard)

		// Dashboard
		admin := v1.Group("")
		admin.Use(r.handler.AuthMiddleware())
		{
			admin.GET("/sessions", r.handler.ListSessions)
			admin.DELETE("/sessions/:deviceId", r.handler.EndSession)
			admin.GET("/vouchers", r.handler.ListVouchers)
			admin.GET("/activity", r.handler.ListActivity)
			admin.GET("/stats", r.handler.Stats)
		}
	}
}

// Engine returns the underlying Gin engine.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

// corsMiddleware adds CORS headers.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-API-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
