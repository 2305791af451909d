package api

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/suggestion-votes/internal/api/handler"
	"github.com/d60-Lab/suggestion-votes/internal/api/middleware"
)

// RouterOptions 路由参数
type RouterOptions struct {
	ServiceName string
	JWTSecret   string
}

// NewRouter 注册全部路由
func NewRouter(h *handler.Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		otelgin.Middleware(opts.ServiceName),
		middleware.Logger(),
		middleware.Metrics(),
		gzip.Gzip(gzip.DefaultCompression),
	)

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1", middleware.Auth(opts.JWTSecret))
	{
		v1.POST("/suggestions/:id/votes", h.Vote)
		v1.GET("/suggestions/:id/votes", h.GetVotes)
	}

	admin := r.Group("/admin", middleware.Auth(opts.JWTSecret), middleware.RequireRole(middleware.RoleAdmin))
	{
		admin.GET("/queues", h.ListQueues)
		admin.GET("/queues/:type/jobs", h.ListJobs)
		admin.POST("/queues/:type/jobs", h.AddJob)
		admin.GET("/queues/:type/jobs/:id", h.GetJob)
		admin.POST("/queues/:type/jobs/:id/retry", h.RetryJob)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "not found"})
	})
	return r
}
