package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/suggestion-votes/internal/api/middleware"
	"github.com/d60-Lab/suggestion-votes/internal/model"
	"github.com/d60-Lab/suggestion-votes/pkg/response"
)

type voteRequest struct {
	VoteType model.VoteType `json:"vote_type" binding:"required,oneof=upvote downvote"`
}

// Vote 对建议投票，重复投同一类型即撤销
// @Summary 投票
// @Tags 投票
// @Accept json
// @Produce json
// @Param id path string true "建议ID"
// @Param request body voteRequest true "投票类型"
// @Success 200 {object} response.Response{data=service.VoteResult}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /api/v1/suggestions/{id}/votes [post]
func (h *Handler) Vote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	res, err := h.voteService.VoteOnSuggestion(c.Request.Context(), c.Param("id"), middleware.UserID(c), req.VoteType)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// GetVotes 查询建议票数
// @Summary 查询票数
// @Tags 投票
// @Produce json
// @Param id path string true "建议ID"
// @Success 200 {object} response.Response{data=model.VoteCounts}
// @Failure 404 {object} response.Response
// @Router /api/v1/suggestions/{id}/votes [get]
func (h *Handler) GetVotes(c *gin.Context) {
	counts, err := h.voteService.GetSuggestionVotes(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, counts)
}
