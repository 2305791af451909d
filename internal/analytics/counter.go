// Package analytics 在 Redis 中维护按日期的计数器。
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL 计数器最后一次累加后的存活时间
const DefaultTTL = 30 * 24 * time.Hour

// KEYS: counter, marker；ARGV: by, ttl_seconds
// marker 保证重复投递的任务不会重复累加
var incrScript = redis.NewScript(`
if redis.call('SET', KEYS[2], '1', 'NX', 'EX', ARGV[2]) then
  redis.call('INCRBY', KEYS[1], ARGV[1])
  redis.call('EXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// Counter 累加 analytics:<metric>:<YYYY-MM-DD>
type Counter struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCounter(rdb *redis.Client, ttl time.Duration) *Counter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Counter{rdb: rdb, ttl: ttl}
}

// Key 返回 metric 在 date 当天的计数器 key
func Key(metric, date string) string { return fmt.Sprintf("analytics:%s:%s", metric, date) }

// Day 把 t 格式化为 key 中的日期
func Day(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Increment 每个 token 只累加一次，token 已生效时返回 false
func (c *Counter) Increment(ctx context.Context, metric, date string, by int64, token string) (bool, error) {
	keys := []string{Key(metric, date), "analytics:applied:" + token}
	n, err := incrScript.Run(ctx, c.rdb, keys, by, int64(c.ttl.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("increment %s: %w", keys[0], err)
	}
	return n == 1, nil
}

// Get 读取计数器，key 不存在时为 0
func (c *Counter) Get(ctx context.Context, metric, date string) (int64, error) {
	n, err := c.rdb.Get(ctx, Key(metric, date)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
