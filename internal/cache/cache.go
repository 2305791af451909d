// Package cache 基于 Redis 的读穿缓存，支持按标签失效。
//
// 所有操作失败即放行：后端错误或超时只记日志，读返回 Unavailable，写返回 0，
// 不向调用方返回 error。调用方把 Unavailable 当作 Miss 处理，回源读库。
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	rcache "github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/suggestion-votes/pkg/logger"
)

// Result 缓存读写结果
type Result int

const (
	Miss Result = iota
	Hit
	Unavailable
	// Stored 写入成功
	Stored
)

func (r Result) String() string {
	switch r {
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	case Stored:
		return "ok"
	default:
		return "unavailable"
	}
}

// Options 缓存配置
type Options struct {
	// Prefix 所有 key 的前缀，默认 "cache:"
	Prefix     string
	DefaultTTL time.Duration
	// OpTimeout 单次 Redis 往返的超时，Redis 卡住时退化为未命中
	OpTimeout time.Duration
}

// Cache 封装 Redis 客户端，值用 go-redis/cache 编码（msgpack，大值 s2 压缩）
type Cache struct {
	rdb        *redis.Client
	codec      *rcache.Cache
	prefix     string
	tagPrefix  string
	defaultTTL time.Duration
	opTimeout  time.Duration
}

// New 创建 Cache，Redis 客户端由调用方管理
func New(rdb *redis.Client, opts Options) *Cache {
	if opts.Prefix == "" {
		opts.Prefix = "cache:"
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 250 * time.Millisecond
	}
	return &Cache{
		rdb: rdb,
		// 不启用本地缓存，标签失效需对所有实例立即可见
		codec:      rcache.New(&rcache.Options{Redis: rdb}),
		prefix:     opts.Prefix,
		tagPrefix:  strings.TrimSuffix(opts.Prefix, ":") + "-tag:",
		defaultTTL: opts.DefaultTTL,
		opTimeout:  opts.OpTimeout,
	}
}

func (c *Cache) key(k string) string    { return c.prefix + k }
func (c *Cache) tagKey(t string) string { return c.tagPrefix + t }

func (c *Cache) ttl(ttl time.Duration) time.Duration {
	// go-redis/cache 会把不足一秒的 TTL 静默改成一小时
	if ttl < time.Second {
		return c.defaultTTL
	}
	return ttl
}

func (c *Cache) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *Cache) fail(op, key string, err error) {
	cacheOps.WithLabelValues(op, Unavailable.String()).Inc()
	logger.Warn("cache unavailable", zap.String("op", op), zap.String("key", key), zap.Error(err))
}

// Get 读取 key 并解码为 T
func Get[T any](ctx context.Context, c *Cache, key string) (T, Result) {
	var out T
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	err := c.codec.Get(ctx, c.key(key), &out)
	switch {
	case err == nil:
		cacheOps.WithLabelValues("get", Hit.String()).Inc()
		return out, Hit
	case errors.Is(err, rcache.ErrCacheMiss):
		cacheOps.WithLabelValues("get", Miss.String()).Inc()
		return out, Miss
	default:
		c.fail("get", key, err)
		var zero T
		return zero, Unavailable
	}
}

// Set 写入 key，ttl 不足一秒时使用默认 TTL
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) Result {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	if err := c.codec.Set(&rcache.Item{Ctx: ctx, Key: c.key(key), Value: value, TTL: c.ttl(ttl)}); err != nil {
		c.fail("set", key, err)
		return Unavailable
	}
	cacheOps.WithLabelValues("set", Stored.String()).Inc()
	return Stored
}

// Delete 删除 key，返回其是否存在
func (c *Cache) Delete(ctx context.Context, key string) bool {
	return c.DeleteMany(ctx, key) == 1
}

// DeleteMany 批量删除，返回实际存在的 key 数
func (c *Cache) DeleteMany(ctx context.Context, keys ...string) int64 {
	if len(keys) == 0 {
		return 0
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	n, err := c.rdb.Del(ctx, full...).Result()
	if err != nil {
		c.fail("delete", keys[0], err)
		return 0
	}
	cacheOps.WithLabelValues("delete", Stored.String()).Inc()
	return n
}

// Has 判断 key 是否存在，Unavailable 表示无法确定
func (c *Cache) Has(ctx context.Context, key string) Result {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	n, err := c.rdb.Exists(ctx, c.key(key)).Result()
	if err != nil {
		c.fail("has", key, err)
		return Unavailable
	}
	if n == 0 {
		return Miss
	}
	return Hit
}

// GetOrSet 命中则返回缓存值；Miss 或 Unavailable 时调用 fetch 并回写。
// fetch 的错误原样返回，且不写缓存
func GetOrSet[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	return GetOrSetWithTags(ctx, c, key, nil, ttl, fetch)
}

// GetOrSetWithTags 同 GetOrSet，新写入的值同时挂到 tags 下
func GetOrSetWithTags[T any](ctx context.Context, c *Cache, key string, tags []string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	if v, res := Get[T](ctx, c, key); res == Hit {
		return v, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if len(tags) > 0 {
		c.SetWithTags(ctx, key, v, tags, ttl)
	} else {
		c.Set(ctx, key, v, ttl)
	}
	return v, nil
}

// InvalidatePattern 删除匹配 glob 的全部 key（相对前缀）
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int64 {
	// SCAN 可能多次往返，整个扫描以 op timeout 的倍数为上限
	ctx, cancel := context.WithTimeout(ctx, 10*c.opTimeout)
	defer cancel()

	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.key(pattern), 500).Result()
		if err != nil {
			c.fail("invalidate_pattern", pattern, err)
			return deleted
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				c.fail("invalidate_pattern", pattern, err)
				return deleted
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	cacheInvalidated.WithLabelValues("pattern").Add(float64(deleted))
	return deleted
}
