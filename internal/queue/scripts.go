package queue

import "github.com/redis/go-redis/v9"

// 等待任务的分数为 priority*2^32 + seq，同优先级保持 FIFO

// KEYS: job, wait, delayed, dedup, seq
// ARGV: id, type, payload, max_attempts, backoff_ms, priority, now_ms, delay_ms, use_dedup, dedup_key, dedup_ttl_ms
var addScript = redis.NewScript(`
if ARGV[9] == '1' then
  if not redis.call('SET', KEYS[4], ARGV[1], 'NX', 'PX', ARGV[11]) then
    return {0, redis.call('GET', KEYS[4])}
  end
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'type', ARGV[2], 'payload', ARGV[3],
  'max_attempts', ARGV[4], 'backoff_ms', ARGV[5], 'priority', ARGV[6],
  'created_at', ARGV[7], 'attempts_made', 0, 'dedup_key', ARGV[10])
local delay = tonumber(ARGV[8])
if delay > 0 then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], tonumber(ARGV[7]) + delay, ARGV[1])
else
  local seq = redis.call('INCR', KEYS[5])
  redis.call('HSET', KEYS[1], 'state', 'waiting')
  redis.call('ZADD', KEYS[2], tonumber(ARGV[6]) * 4294967296 + seq, ARGV[1])
end
return {1, ARGV[1]}
`)

// KEYS: delayed, wait, seq
// ARGV: now_ms, job_prefix, limit
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  local jk = ARGV[2] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('EXISTS', jk) == 1 then
    local prio = tonumber(redis.call('HGET', jk, 'priority') or '0')
    local seq = redis.call('INCR', KEYS[3])
    redis.call('HSET', jk, 'state', 'waiting')
    redis.call('ZADD', KEYS[2], prio * 4294967296 + seq, id)
  end
end
return #ids
`)

// KEYS: wait, active
// ARGV: lease_deadline_ms, job_prefix, now_ms, dedup_prefix
var claimScript = redis.NewScript(`
while true do
  local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
  if #ids == 0 then
    return false
  end
  local id = ids[1]
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[2] .. id
  if redis.call('EXISTS', jk) == 1 then
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    redis.call('HINCRBY', jk, 'attempts_made', 1)
    redis.call('HSET', jk, 'state', 'active', 'processed_at', ARGV[3])
    local dk = redis.call('HGET', jk, 'dedup_key')
    if dk and dk ~= '' then
      local full = ARGV[4] .. dk
      if redis.call('GET', full) == id then
        redis.call('DEL', full)
      end
    end
    return redis.call('HGETALL', jk)
  end
end
`)

// KEYS: active, completed, job
// ARGV: id, now_ms, keep_age_ms, keep_count, job_prefix
var completeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'state', 'completed', 'finished_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
local cutoff = tonumber(ARGV[2]) - tonumber(ARGV[3])
local old = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', cutoff)
for _, id in ipairs(old) do
  redis.call('DEL', ARGV[5] .. id)
end
if #old > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', cutoff)
end
local keep = tonumber(ARGV[4])
local n = redis.call('ZCARD', KEYS[2])
if n > keep then
  local extra = redis.call('ZRANGE', KEYS[2], 0, n - keep - 1)
  for _, id in ipairs(extra) do
    redis.call('DEL', ARGV[5] .. id)
  end
  redis.call('ZREMRANGEBYRANK', KEYS[2], 0, n - keep - 1)
end
return 1
`)

// KEYS: active, delayed, failed, job
// ARGV: id, now_ms, reason, backoff_ms, terminal, keep_failed_age_ms, job_prefix
// 返回 1 表示重新排期，0 表示最终失败，-1 表示租约已丢失
var failScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return -1
end
local made = tonumber(redis.call('HGET', KEYS[4], 'attempts_made') or '0')
local max = tonumber(redis.call('HGET', KEYS[4], 'max_attempts') or '1')
redis.call('HSET', KEYS[4], 'failed_reason', ARGV[3])
if ARGV[5] ~= '1' and made < max then
  redis.call('HSET', KEYS[4], 'state', 'delayed')
  redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) + tonumber(ARGV[4]), ARGV[1])
  return 1
end
redis.call('HSET', KEYS[4], 'state', 'failed', 'finished_at', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
local cutoff = tonumber(ARGV[2]) - tonumber(ARGV[6])
local old = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', cutoff)
for _, id in ipairs(old) do
  redis.call('DEL', ARGV[7] .. id)
end
if #old > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', cutoff)
end
return 0
`)

// KEYS: active, wait, failed, seq
// ARGV: now_ms, job_prefix
// 返回 {requeued, failed}
var stalledScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued, failed = 0, 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[2] .. id
  if redis.call('EXISTS', jk) == 1 then
    local made = tonumber(redis.call('HGET', jk, 'attempts_made') or '0')
    local max = tonumber(redis.call('HGET', jk, 'max_attempts') or '1')
    if made >= max then
      redis.call('HSET', jk, 'state', 'failed', 'finished_at', ARGV[1], 'failed_reason', 'job stalled: lease expired')
      redis.call('ZADD', KEYS[3], ARGV[1], id)
      failed = failed + 1
    else
      local prio = tonumber(redis.call('HGET', jk, 'priority') or '0')
      local seq = redis.call('INCR', KEYS[4])
      redis.call('HSET', jk, 'state', 'waiting')
      redis.call('ZADD', KEYS[2], prio * 4294967296 + seq, id)
      requeued = requeued + 1
    end
  end
end
return {requeued, failed}
`)

// KEYS: failed, wait, seq, job
// ARGV: id
var retryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local prio = tonumber(redis.call('HGET', KEYS[4], 'priority') or '0')
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[4], 'state', 'waiting', 'attempts_made', 0, 'failed_reason', '')
redis.call('HDEL', KEYS[4], 'finished_at', 'processed_at')
redis.call('ZADD', KEYS[2], prio * 4294967296 + seq, ARGV[1])
return 1
`)
