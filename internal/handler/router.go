package handler

import (
	"net/http"

	"github.com/ScaleX-Protocol/agentgate/internal/config"
	"github.com/ScaleX-Protocol/agentgate/internal/events"
	"github.com/ScaleX-Protocol/agentgate/internal/manager"
	"github.com/ScaleX-Protocol/agentgate/internal/middleware"
	"github.com/ScaleX-Protocol/agentgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the services the HTTP surface is built from.
type Deps struct {
	Config      *config.Config
	Gateway     *service.GatewayService
	Audit       *service.AuditService
	Hub         *events.Hub
	Nonces      *manager.NonceManager
	Limiter     *service.CallerLimiter
	Idempotency middleware.IdempotencyStore
}

// NewRouter wires middleware and routes. Lookups are public; every mutation
// is signed by the calling wallet.
func NewRouter(d Deps) *gin.Engine {
	cfg := d.Config
	r := gin.New()
	r.Use(gin.Recovery())

	if d.Audit != nil {
		r.Use(middleware.AuditMiddleware(d.Audit))
	}
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.ReadOnlyMiddleware(cfg.Gateway.ReadOnly))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agentgate"})
	})
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	identityHandler := NewIdentityHandler(d.Gateway)
	authzHandler := NewAuthorizationHandler(d.Gateway)
	gatewayHandler := NewGatewayHandler(d.Gateway)

	public := r.Group("/v1")
	{
		public.GET("/agents/:agentId/owner", identityHandler.OwnerOf)
		public.GET("/principals/:principal/agents/:agentId", gatewayHandler.Status)
		if d.Hub != nil {
			eventsHandler := NewEventsHandler(d.Hub)
			public.GET("/events", eventsHandler.History)
			public.GET("/events/stream", eventsHandler.Stream)
		}
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.WalletAuthMiddleware(cfg, d.Nonces))
	if d.Limiter != nil {
		v1.Use(middleware.RateLimitMiddleware(d.Limiter))
	}
	if d.Idempotency != nil {
		v1.Use(middleware.IdempotencyMiddleware(d.Idempotency))
	}
	{
		v1.POST("/agents", identityHandler.Register)
		v1.POST("/agents/:agentId/authorization", authzHandler.Authorize)
		v1.DELETE("/agents/:agentId/authorization", authzHandler.Revoke)
		v1.PUT("/agents/:agentId/policy", authzHandler.UpdatePolicy)
		v1.POST("/principals/:principal/agents/:agentId/execute", gatewayHandler.Execute)
	}

	if d.Audit != nil {
		admin := r.Group("/admin")
		admin.Use(middleware.AdminMiddleware(cfg))
		admin.GET("/audit", NewAuditHandler(d.Audit).List)
	}

	return r
}
