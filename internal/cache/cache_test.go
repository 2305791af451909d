package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/suggestion-votes/internal/testutil"
)

type counts struct {
	Up   int64
	Down int64
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, rdb := testutil.NewRedis(t)
	return New(rdb, Options{DefaultTTL: time.Hour, OpTimeout: time.Second}), mr
}

func TestGetSet_RoundTripAndPrefix(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, res := Get[counts](ctx, c, "suggestion:s1:votes")
	assert.Equal(t, Miss, res)

	assert.Equal(t, Stored, c.Set(ctx, "suggestion:s1:votes", counts{Up: 3, Down: 1}, 5*time.Minute))
	assert.True(t, mr.Exists("cache:suggestion:s1:votes"))
	assert.Equal(t, 5*time.Minute, mr.TTL("cache:suggestion:s1:votes"))

	got, res := Get[counts](ctx, c, "suggestion:s1:votes")
	assert.Equal(t, Hit, res)
	assert.Equal(t, counts{Up: 3, Down: 1}, got)

	s := "plain"
	c.Set(ctx, "str", s, 0)
	gotS, res := Get[string](ctx, c, "str")
	assert.Equal(t, Hit, res)
	assert.Equal(t, "plain", gotS)
	assert.Equal(t, time.Hour, mr.TTL("cache:str"))
}

func TestSet_Expires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "k", counts{Up: 1}, 2*time.Second)
	mr.FastForward(3 * time.Second)

	_, res := Get[counts](ctx, c, "k")
	assert.Equal(t, Miss, res)
}

func TestDeleteAndHas(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "b", 2, time.Minute)
	assert.Equal(t, Hit, c.Has(ctx, "a"))

	assert.True(t, c.Delete(ctx, "a"))
	assert.False(t, c.Delete(ctx, "a"))
	assert.Equal(t, Miss, c.Has(ctx, "a"))

	assert.Equal(t, int64(1), c.DeleteMany(ctx, "a", "b", "c"))
	assert.Equal(t, int64(0), c.DeleteMany(ctx))
}

func TestFailOpen_BackendErrors(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	mr.SetError("ERR injected failure")

	_, res := Get[counts](ctx, c, "k")
	assert.Equal(t, Unavailable, res)
	assert.Equal(t, Unavailable, c.Set(ctx, "k", counts{}, time.Minute))
	assert.Equal(t, Unavailable, c.Has(ctx, "k"))
	assert.Equal(t, Unavailable, c.SetWithTags(ctx, "k", counts{}, []string{"t"}, time.Minute))
	assert.False(t, c.Delete(ctx, "k"))
	assert.Equal(t, int64(0), c.InvalidateByTag(ctx, "t"))
	assert.Equal(t, int64(0), c.InvalidatePattern(ctx, "*"))
	assert.Equal(t, int64(0), c.SweepTags(ctx))
}

func TestFailOpen_ServerDown(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	_, res := Get[counts](context.Background(), c, "k")
	assert.Equal(t, Unavailable, res)
}

func TestGetOrSet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	calls := 0
	fetch := func(context.Context) (counts, error) {
		calls++
		return counts{Up: 7}, nil
	}

	v, err := GetOrSet(ctx, c, "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, counts{Up: 7}, v)

	v, err = GetOrSet(ctx, c, "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, counts{Up: 7}, v)
	assert.Equal(t, 1, calls)
}

func TestGetOrSet_FetchErrorNotCached(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	storeErr := errors.New("db down")

	_, err := GetOrSet(ctx, c, "k", time.Minute, func(context.Context) (counts, error) {
		return counts{}, storeErr
	})
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, Miss, c.Has(ctx, "k"))
}

func TestGetOrSet_UnavailableStillFetches(t *testing.T) {
	c, mr := newTestCache(t)
	mr.SetError("ERR injected failure")

	v, err := GetOrSet(context.Background(), c, "k", time.Minute, func(context.Context) (counts, error) {
		return counts{Down: 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, counts{Down: 2}, v)
}

func TestInvalidatePattern(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "suggestion:s1:votes", 1, time.Minute)
	c.Set(ctx, "suggestion:s2:votes", 2, time.Minute)
	c.Set(ctx, "user:u1", 3, time.Minute)
	require.NoError(t, mr.Set("other:suggestion:s3", "x"))

	assert.Equal(t, int64(2), c.InvalidatePattern(ctx, "suggestion:*"))
	assert.Equal(t, Hit, c.Has(ctx, "user:u1"))
	assert.True(t, mr.Exists("other:suggestion:s3"))
}
