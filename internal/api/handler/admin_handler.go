package handler

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/suggestion-votes/internal/queue"
	"github.com/d60-Lab/suggestion-votes/pkg/response"
)

type addJobRequest struct {
	Payload  json.RawMessage `json:"payload" binding:"required"`
	DelayMs  int64           `json:"delay_ms" binding:"gte=0"`
	Priority int             `json:"priority" binding:"gte=0"`
	Attempts int             `json:"attempts" binding:"gte=0"`
	DedupKey string          `json:"dedup_key"`
}

// ListQueues 各队列任务数
// @Summary 队列概览
// @Tags 运维
// @Produce json
// @Success 200 {object} response.Response{data=map[string]queue.Counts}
// @Router /admin/queues [get]
func (h *Handler) ListQueues(c *gin.Context) {
	counts, err := h.queues.Counts(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, counts)
}

// ListJobs 按状态分页查询任务
// @Summary 任务列表
// @Tags 运维
// @Produce json
// @Param type path string true "队列名"
// @Param state query string false "状态" default(failed)
// @Param offset query int false "偏移" default(0)
// @Param limit query int false "数量" default(50)
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /admin/queues/{type}/jobs [get]
func (h *Handler) ListJobs(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}
	state, ok := queue.ParseState(c.DefaultQuery("state", string(queue.StateFailed)))
	if !ok {
		response.BadRequest(c, "unknown state")
		return
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	jobs, err := q.ListJobs(c.Request.Context(), state, offset, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"state": state, "offset": offset, "limit": limit, "list": jobs})
}

// GetJob 查询单个任务
// @Summary 任务详情
// @Tags 运维
// @Produce json
// @Param type path string true "队列名"
// @Param id path string true "任务ID"
// @Success 200 {object} response.Response{data=queue.Job}
// @Failure 404 {object} response.Response
// @Router /admin/queues/{type}/jobs/{id} [get]
func (h *Handler) GetJob(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}
	job, err := q.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, job)
}

// RetryJob 将失败任务重新入队
// @Summary 重试失败任务
// @Tags 运维
// @Produce json
// @Param type path string true "队列名"
// @Param id path string true "任务ID"
// @Success 202 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /admin/queues/{type}/jobs/{id}/retry [post]
func (h *Handler) RetryJob(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}
	if err := q.RetryJob(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, gin.H{"id": c.Param("id")})
}

// AddJob 手动提交任务
// @Summary 提交任务
// @Tags 运维
// @Accept json
// @Produce json
// @Param type path string true "队列名"
// @Param request body addJobRequest true "任务参数"
// @Success 202 {object} response.Response{data=queue.JobHandle}
// @Failure 400 {object} response.Response
// @Router /admin/queues/{type}/jobs [post]
func (h *Handler) AddJob(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}
	var req addJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	p, err := queue.DecodePayload(q.Type(), req.Payload)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	handle, err := q.Add(c.Request.Context(), p, queue.JobOptions{
		Delay:    time.Duration(req.DelayMs) * time.Millisecond,
		Priority: req.Priority,
		Attempts: req.Attempts,
		DedupKey: req.DedupKey,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, handle)
}

func (h *Handler) queue(c *gin.Context) (*queue.Queue, bool) {
	t, ok := queue.ParseType(c.Param("type"))
	if !ok {
		response.NotFound(c, "unknown queue "+c.Param("type"))
		return nil, false
	}
	q, err := h.queues.Queue(t)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	return q, true
}
