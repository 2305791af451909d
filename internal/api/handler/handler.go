package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/suggestion-votes/internal/queue"
	"github.com/d60-Lab/suggestion-votes/internal/service"
)

// HealthCheck 依赖探活
type HealthCheck func(ctx context.Context) error

// Handler HTTP 处理器
type Handler struct {
	voteService service.VoteService
	queues      *queue.Registry
	checks      map[string]HealthCheck
}

// NewHandler 创建处理器
func NewHandler(voteService service.VoteService, queues *queue.Registry, checks map[string]HealthCheck) *Handler {
	return &Handler{voteService: voteService, queues: queues, checks: checks}
}

// Health 健康检查
// @Summary 健康检查
// @Tags 系统
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "dependencies": deps})
}
