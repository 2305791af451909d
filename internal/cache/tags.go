package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] 值 key，KEYS[2..] 标签集合；ARGV[1] 编码后的值，ARGV[2] ttl 毫秒
// 标签集合的过期时间不早于其下最新的 key
var setWithTagsScript = redis.NewScript(`
local ttl = tonumber(ARGV[2])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
for i = 2, #KEYS do
  redis.call('SADD', KEYS[i], KEYS[1])
  if redis.call('PTTL', KEYS[i]) < ttl then
    redis.call('PEXPIRE', KEYS[i], ttl)
  end
end
return 1
`)

// KEYS[1] 标签集合，分批删除成员后删除集合本身
var invalidateTagScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local n = 0
for i = 1, #members, 500 do
  n = n + redis.call('DEL', unpack(members, i, math.min(i + 499, #members)))
end
redis.call('DEL', KEYS[1])
return n
`)

// SetWithTags 写入值并把 key 挂到每个标签下
func (c *Cache) SetWithTags(ctx context.Context, key string, value any, tags []string, ttl time.Duration) Result {
	b, err := c.codec.Marshal(value)
	if err != nil {
		c.fail("set_tags", key, err)
		return Unavailable
	}
	keys := make([]string, 0, len(tags)+1)
	keys = append(keys, c.key(key))
	for _, t := range tags {
		keys = append(keys, c.tagKey(t))
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := setWithTagsScript.Run(ctx, c.rdb, keys, b, c.ttl(ttl).Milliseconds()).Err(); err != nil {
		c.fail("set_tags", key, err)
		return Unavailable
	}
	cacheOps.WithLabelValues("set_tags", Stored.String()).Inc()
	return Stored
}

// InvalidateByTag 删除标签下的全部 key 及标签索引，
// 返回删除的 key 数，未知标签返回 0
func (c *Cache) InvalidateByTag(ctx context.Context, tag string) int64 {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	n, err := invalidateTagScript.Run(ctx, c.rdb, []string{c.tagKey(tag)}).Int64()
	if err != nil {
		c.fail("invalidate_tag", tag, err)
		return 0
	}
	cacheInvalidated.WithLabelValues("tag").Add(float64(n))
	return n
}

// SweepTags 清理已过期 key 留下的标签成员，返回清理数量
func (c *Cache) SweepTags(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, 20*c.opTimeout)
	defer cancel()

	var (
		cursor  uint64
		removed int64
	)
	for {
		tagKeys, next, err := c.rdb.Scan(ctx, cursor, c.tagPrefix+"*", 200).Result()
		if err != nil {
			c.fail("sweep_tags", c.tagPrefix, err)
			return removed
		}
		for _, tk := range tagKeys {
			n, err := c.sweepTag(ctx, tk)
			if err != nil {
				c.fail("sweep_tags", tk, err)
				return removed
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed
}

func (c *Cache) sweepTag(ctx context.Context, tagKey string) (int64, error) {
	members, err := c.rdb.SMembers(ctx, tagKey).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}
	pipe := c.rdb.Pipeline()
	exists := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		exists[i] = pipe.Exists(ctx, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var stale []interface{}
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			stale = append(stale, members[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	return c.rdb.SRem(ctx, tagKey, stale...).Result()
}
