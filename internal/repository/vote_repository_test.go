package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/suggestion-votes/internal/apperr"
	"github.com/d60-Lab/suggestion-votes/internal/model"
	"github.com/d60-Lab/suggestion-votes/internal/testutil"
)

func TestSuggestionRepository_FindByID_NotFound(t *testing.T) {
	repo := NewSuggestionRepository(testutil.NewDB(t))

	_, err := repo.FindByID(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestSuggestionRepository_FindByID_StoreErrorIsNotNotFound(t *testing.T) {
	db := testutil.NewDB(t)
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("force_err_suggestions", func(tx *gorm.DB) {
		if tx.Statement != nil && strings.Contains(tx.Statement.Table, "suggestions") {
			tx.AddError(errors.New("forced-query-error"))
		}
	}))

	_, err := NewSuggestionRepository(db).FindByID(context.Background(), "s1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperr.ErrNotFound))
}

func TestSuggestionRepository_UpdateStatusIfPending_Monotonic(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewSuggestionRepository(db)
	ctx := context.Background()
	s := &model.Suggestion{Name: "n", Type: "book", AuthorID: "a1"}
	require.NoError(t, repo.Create(ctx, s))
	assert.Equal(t, model.SuggestionPending, s.Status)

	ok, err := repo.UpdateStatusIfPending(ctx, s.ID, model.SuggestionApproved)
	require.NoError(t, err)
	assert.True(t, ok)

	// 已审核的建议不会被再次流转
	ok, err = repo.UpdateStatusIfPending(ctx, s.ID, model.SuggestionRejected)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.FindByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SuggestionApproved, got.Status)
}

func TestVoteRepository_ConditionalWrites(t *testing.T) {
	repo := NewVoteRepository(testutil.NewDB(t))
	ctx := context.Background()

	v, err := repo.Find(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Nil(t, v)

	ok, err := repo.Insert(ctx, "s1", "u1", model.Upvote)
	require.NoError(t, err)
	assert.True(t, ok)

	// 重复插入命中唯一键，不报错但返回 false
	ok, err = repo.Insert(ctx, "s1", "u1", model.Downvote)
	require.NoError(t, err)
	assert.False(t, ok)

	// from 不匹配时不更新
	ok, err = repo.Update(ctx, "s1", "u1", model.Downvote, model.Upvote)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Update(ctx, "s1", "u1", model.Upvote, model.Downvote)
	require.NoError(t, err)
	assert.True(t, ok)

	v, err = repo.Find(ctx, "s1", "u1")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, model.Downvote, v.VoteType)

	ok, err = repo.Delete(ctx, "s1", "u1", model.Upvote)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Delete(ctx, "s1", "u1", model.Downvote)
	require.NoError(t, err)
	assert.True(t, ok)

	v, err = repo.Find(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestVoteRepository_Counts(t *testing.T) {
	repo := NewVoteRepository(testutil.NewDB(t))
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := repo.Insert(ctx, "s1", u, model.Upvote)
		require.NoError(t, err)
	}
	_, err := repo.Insert(ctx, "s1", "u4", model.Downvote)
	require.NoError(t, err)
	_, err = repo.Insert(ctx, "s2", "u1", model.Downvote)
	require.NoError(t, err)

	c, err := repo.Counts(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.VoteCounts{Upvotes: 3, Downvotes: 1}, c)

	up, err := repo.CountByType(ctx, "s1", model.Upvote)
	require.NoError(t, err)
	assert.Equal(t, int64(3), up)

	empty, err := repo.Counts(ctx, "none")
	require.NoError(t, err)
	assert.Equal(t, model.VoteCounts{}, empty)

	list, err := repo.ListBySuggestion(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, list, 4)
}

func TestVoteRepository_ConcurrentInsertSingleWinner(t *testing.T) {
	repo := NewVoteRepository(testutil.NewDB(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Insert(ctx, "s1", "u1", model.Upvote)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	c, err := repo.Counts(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Upvotes)
}

func TestNotificationRepository_IdempotentCreateAndPurge(t *testing.T) {
	repo := NewNotificationRepository(testutil.NewDB(t))
	ctx := context.Background()

	n := &model.Notification{ID: "job-1", UserID: "u1", Type: "suggestion_approved", Title: "t", Message: "m"}
	ok, err := repo.Create(ctx, n)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := &model.Notification{ID: "job-1", UserID: "u1", Type: "suggestion_approved", Title: "t", Message: "m"}
	ok, err = repo.Create(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok)

	unread := &model.Notification{UserID: "u1", Type: "info", Title: "t2"}
	_, err = repo.Create(ctx, unread)
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	ok, err = repo.MarkRead(ctx, "job-1", "u1", old)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkRead(ctx, "job-1", "u1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	purged, err := repo.PurgeRead(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	list, err := repo.ListByUser(ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, unread.ID, list[0].ID)
}
