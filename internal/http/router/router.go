package router

import (
	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/agent-escrow/internal/config"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/http/middleware"
	"github.com/ignatzorin/agent-escrow/internal/interface/http/handler"
	"github.com/ignatzorin/agent-escrow/internal/metrics"
)

// Handlers собирает все обработчики API.
type Handlers struct {
	Order       *handler.OrderHandler
	Dispute     *handler.DisputeHandler
	Deliverable *handler.DeliverableHandler
	Admin       *handler.AdminHandler
	WS          *handler.WSHandler
	Health      *handler.HealthHandler
}

func SetupRouter(cfg *config.Config, tokens middleware.ActorParser, m *metrics.Metrics, h Handlers) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Env != "production" {
		r.Use(gin.Logger())
	}
	r.Use(middleware.MetricsMiddleware(m))
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", h.Health.Health)
	r.GET("/metrics", gin.WrapH(m.Handler()))

	api := r.Group("/api")
	api.GET("/ws", middleware.QueryTokenAuth(tokens), h.WS.Handle)

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(tokens))
	protected.Use(middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod))

	orders := protected.Group("/orders")
	{
		orders.POST("", middleware.RequireRoles(vo.RoleSystem, vo.RoleAdmin), h.Order.CreateOrder)
		orders.GET("/:id", middleware.UUIDValidator("id"), h.Order.GetOrder)
		orders.POST("/:id/pay", middleware.UUIDValidator("id"), h.Order.ConfirmPayment)
		orders.POST("/:id/start", middleware.UUIDValidator("id"), h.Order.StartWork)
		orders.POST("/:id/deliver", middleware.UUIDValidator("id"), h.Order.Deliver)
		orders.POST("/:id/revision", middleware.UUIDValidator("id"), h.Order.RequestRevision)
		orders.POST("/:id/accept", middleware.UUIDValidator("id"), h.Order.AcceptDelivery)
		orders.POST("/:id/cancel", middleware.UUIDValidator("id"), h.Order.Cancel)
		orders.POST("/:id/dispute", middleware.UUIDValidator("id"), h.Order.OpenDispute)
		orders.POST("/:id/deliverables", middleware.UUIDValidator("id"), h.Deliverable.Upload)
		orders.GET("/:id/deliverables/*file", middleware.UUIDValidator("id"), h.Deliverable.Download)
	}

	disputes := protected.Group("/disputes")
	{
		disputes.GET("/:id", h.Dispute.GetDispute)
		disputes.POST("/:id/review", h.Dispute.Review)
		disputes.POST("/:id/arbitrate", h.Dispute.Arbitrate)
		disputes.POST("/:id/auto-resolve", h.Dispute.AutoResolve)
		disputes.POST("/:id/resolve", h.Dispute.Resolve)
		disputes.POST("/:id/cancel", h.Dispute.Cancel)
	}

	admin := protected.Group("/admin")
	admin.Use(middleware.RequireRoles(vo.RoleAdmin, vo.RoleSystem))
	{
		admin.POST("/sweep", h.Admin.RunSweep)
		admin.POST("/outbox/process", h.Admin.ProcessOutbox)
	}

	return r
}
