package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/suggestion-votes/internal/api/handler"
	"github.com/d60-Lab/suggestion-votes/internal/api/middleware"
	"github.com/d60-Lab/suggestion-votes/internal/cache"
	"github.com/d60-Lab/suggestion-votes/internal/model"
	"github.com/d60-Lab/suggestion-votes/internal/queue"
	"github.com/d60-Lab/suggestion-votes/internal/realtime"
	"github.com/d60-Lab/suggestion-votes/internal/repository"
	"github.com/d60-Lab/suggestion-votes/internal/service"
	"github.com/d60-Lab/suggestion-votes/internal/testutil"
	"github.com/d60-Lab/suggestion-votes/pkg/response"
)

type apiEnv struct {
	router     *gin.Engine
	registry   *queue.Registry
	suggestion *model.Suggestion
}

func newAPIEnv(t *testing.T, checks map[string]handler.HealthCheck) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	notifications := repository.NewNotificationRepository(db)
	registry := queue.NewRegistry(rdb, queue.Options{Prefix: "queue"})
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	votes, err := service.NewVoteService(
		repository.NewSuggestionRepository(db),
		repository.NewVoteRepository(db),
		cache.New(rdb, cache.Options{OpTimeout: time.Second}),
		registry,
		realtime.NewDistributor(rdb, "realtime:", notifications),
		service.VoteOptions{ApprovalThreshold: 10},
	)
	require.NoError(t, err)

	h := handler.NewHandler(votes, registry, checks)
	return &apiEnv{
		router:     NewRouter(h, RouterOptions{ServiceName: "test"}),
		registry:   registry,
		suggestion: testutil.SeedSuggestion(t, db, "author-1"),
	}
}

func (e *apiEnv) do(method, path, user, role string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.UserIDHeader, user)
	}
	if role != "" {
		req.Header.Set(middleware.RoleHeader, role)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var resp struct {
		response.Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

func TestVoteEndpoints(t *testing.T) {
	env := newAPIEnv(t, nil)
	path := "/api/v1/suggestions/" + env.suggestion.ID + "/votes"

	w := env.do(http.MethodPost, path, "u-1", "", gin.H{"vote_type": "upvote"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res service.VoteResult
	decodeData(t, w, &res)
	assert.True(t, res.Success)
	assert.EqualValues(t, 1, res.TotalUpvotes)
	require.NotNil(t, res.UserVote)
	assert.Equal(t, model.Upvote, *res.UserVote)

	w = env.do(http.MethodPost, path, "u-2", "", gin.H{"vote_type": "downvote"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, path, "u-3", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var counts model.VoteCounts
	decodeData(t, w, &counts)
	assert.Equal(t, model.VoteCounts{Upvotes: 1, Downvotes: 1}, counts)
}

func TestVoteEndpoints_Errors(t *testing.T) {
	env := newAPIEnv(t, nil)
	path := "/api/v1/suggestions/" + env.suggestion.ID + "/votes"

	w := env.do(http.MethodPost, path, "", "", gin.H{"vote_type": "upvote"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, path, "u-1", "", gin.H{"vote_type": "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/v1/suggestions/missing/votes", "u-1", "", gin.H{"vote_type": "upvote"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/api/v1/suggestions/missing/votes", "u-1", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRequiresRole(t *testing.T) {
	env := newAPIEnv(t, nil)

	w := env.do(http.MethodGet, "/admin/queues", "u-1", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodGet, "/admin/queues", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminQueues(t *testing.T) {
	env := newAPIEnv(t, nil)

	// 每次投票都会提交一个 analytics-increment 任务
	w := env.do(http.MethodPost, "/api/v1/suggestions/"+env.suggestion.ID+"/votes", "u-1", "", gin.H{"vote_type": "upvote"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/admin/queues", "ops", middleware.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var counts map[queue.Type]queue.Counts
	decodeData(t, w, &counts)
	assert.Len(t, counts, len(queue.AllTypes()))
	assert.EqualValues(t, 1, counts[queue.AnalyticsIncrementJob].Waiting)
	assert.Zero(t, counts[queue.ApprovalCheckJob].Waiting)
}

func TestAdminAddAndInspectJob(t *testing.T) {
	env := newAPIEnv(t, nil)
	base := "/admin/queues/mail-dispatch/jobs"

	w := env.do(http.MethodPost, base, "ops", middleware.RoleAdmin, gin.H{
		"payload": gin.H{"to": "not-an-email", "subject": "hi", "template": "welcome"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, base, "ops", middleware.RoleAdmin, gin.H{
		"payload":  gin.H{"to": "dev@example.com", "subject": "hi", "template": "welcome"},
		"priority": 2,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var handle queue.JobHandle
	decodeData(t, w, &handle)
	require.NotEmpty(t, handle.ID)
	assert.Equal(t, queue.MailDispatchJob, handle.Type)

	w = env.do(http.MethodGet, base+"?state=waiting", "ops", middleware.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		List []struct {
			ID       string `json:"id"`
			Priority int    `json:"priority"`
		} `json:"list"`
	}
	decodeData(t, w, &list)
	require.Len(t, list.List, 1)
	assert.Equal(t, handle.ID, list.List[0].ID)
	assert.Equal(t, 2, list.List[0].Priority)

	w = env.do(http.MethodGet, base+"/"+handle.ID, "ops", middleware.RoleAdmin, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, base+"/missing", "ops", middleware.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 仅失败任务可重试
	w = env.do(http.MethodPost, base+"/"+handle.ID+"/retry", "ops", middleware.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, base+"?state=bogus", "ops", middleware.RoleAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/admin/queues/unknown/jobs", "ops", middleware.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t, map[string]handler.HealthCheck{
		"db": func(context.Context) error { return nil },
	})
	w := env.do(http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	env = newAPIEnv(t, map[string]handler.HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	w = env.do(http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.do(http.MethodGet, "/health", "", "", nil)

	w := env.do(http.MethodGet, "/metrics", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}
