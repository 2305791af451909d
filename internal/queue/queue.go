package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/suggestion-votes/internal/apperr"
)

// ErrClosed 向已关闭的队列提交
var ErrClosed = errors.New("queue closed")

// dedupTTL 是去重键在延迟之外的兜底过期时间，任务哈希丢失时键也不会永久占用
const dedupTTL = time.Hour

// Settings 单个队列的 worker 与保留参数
type Settings struct {
	Concurrency        int
	RateMax            int
	RateWindow         time.Duration
	Attempts           int
	Backoff            time.Duration
	KeepCompletedAge   time.Duration
	KeepCompletedCount int
	KeepFailedAge      time.Duration
}

// DefaultSettings 生产环境默认值
func DefaultSettings() Settings {
	return Settings{
		Concurrency:        5,
		RateMax:            10,
		RateWindow:         time.Second,
		Attempts:           3,
		Backoff:            2 * time.Second,
		KeepCompletedAge:   24 * time.Hour,
		KeepCompletedCount: 1000,
		KeepFailedAge:      7 * 24 * time.Hour,
	}
}

// Queue Redis 中 {prefix}:{type} 下的一个任务队列
type Queue struct {
	rdb      *redis.Client
	typ      Type
	base     string
	settings Settings
	now      func() time.Time
	wake     chan struct{}
	closed   atomic.Bool
}

func newQueue(rdb *redis.Client, prefix string, t Type, s Settings, now func() time.Time) *Queue {
	return &Queue{
		rdb:      rdb,
		typ:      t,
		base:     prefix + ":" + string(t),
		settings: s,
		now:      now,
		wake:     make(chan struct{}, 1),
	}
}

func (q *Queue) Type() Type              { return q.typ }
func (q *Queue) Settings() Settings      { return q.settings }
func (q *Queue) jobPrefix() string       { return q.base + ":job:" }
func (q *Queue) jobKey(id string) string { return q.jobPrefix() + id }
func (q *Queue) dedupPrefix() string     { return q.base + ":dedup:" }
func (q *Queue) key(name string) string  { return q.base + ":" + name }

func (q *Queue) nowMs() int64 { return q.now().UnixMilli() }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Add 入队后立即返回，不等待处理
func (q *Queue) Add(ctx context.Context, p Payload, opts JobOptions) (*JobHandle, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	if p.JobType() != q.typ {
		return nil, apperr.Validation("queue.add", "payload %s submitted to queue %s", p.JobType(), q.typ)
	}
	if err := validate.Struct(p); err != nil {
		return nil, apperr.Validation("queue.add", "invalid %s payload: %v", q.typ, err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", q.typ, err)
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = q.settings.Attempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = q.settings.Backoff
	}
	useDedup := "0"
	if opts.DedupKey != "" {
		useDedup = "1"
	}

	id := uuid.New().String()
	keys := []string{q.jobKey(id), q.key("wait"), q.key("delayed"), q.dedupPrefix() + opts.DedupKey, q.key("seq")}
	res, err := addScript.Run(ctx, q.rdb, keys,
		id, string(q.typ), raw, attempts, backoff.Milliseconds(), opts.Priority,
		q.nowMs(), opts.Delay.Milliseconds(), useDedup, opts.DedupKey, (opts.Delay + dedupTTL).Milliseconds(),
	).Slice()
	if err != nil {
		return nil, apperr.Transient("queue.add", err)
	}
	if len(res) != 2 {
		return nil, apperr.Transient("queue.add", fmt.Errorf("unexpected add reply %v", res))
	}
	created, _ := res[0].(int64)
	jobID, _ := res[1].(string)

	jobsAdded.WithLabelValues(string(q.typ)).Inc()
	if created == 1 && opts.Delay <= 0 {
		q.signal()
	}
	return &JobHandle{ID: jobID, Type: q.typ, Deduplicated: created == 0}, nil
}

// Counts 返回各状态集合的大小
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	wait := pipe.ZCard(ctx, q.key("wait"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, apperr.Transient("queue.counts", err)
	}
	return Counts{
		Waiting:   wait.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// GetJob 按 ID 读取任务
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, apperr.Transient("queue.get_job", err)
	}
	if len(fields) == 0 {
		return nil, apperr.NotFound("queue.get_job", "job %s not found in %s", id, q.typ)
	}
	return parseJob(fields)
}

// ListJobs 返回某状态下至多 limit 个任务，完成与失败按时间倒序
func (q *Queue) ListJobs(ctx context.Context, state State, offset, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	start, stop := int64(offset), int64(offset+limit-1)

	var (
		ids []string
		err error
	)
	switch state {
	case StateWaiting:
		ids, err = q.rdb.ZRange(ctx, q.key("wait"), start, stop).Result()
	case StateDelayed:
		ids, err = q.rdb.ZRange(ctx, q.key("delayed"), start, stop).Result()
	case StateActive:
		ids, err = q.rdb.ZRange(ctx, q.key("active"), start, stop).Result()
	case StateCompleted:
		ids, err = q.rdb.ZRevRange(ctx, q.key("completed"), start, stop).Result()
	case StateFailed:
		ids, err = q.rdb.ZRevRange(ctx, q.key("failed"), start, stop).Result()
	default:
		return nil, apperr.Validation("queue.list_jobs", "unknown state %q", state)
	}
	if err != nil {
		return nil, apperr.Transient("queue.list_jobs", err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperr.Transient("queue.list_jobs", err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			continue
		}
		j, err := parseJob(cmd.Val())
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// RetryJob 把失败任务移回等待队列并重置重试次数
func (q *Queue) RetryJob(ctx context.Context, id string) error {
	keys := []string{q.key("failed"), q.key("wait"), q.key("seq"), q.jobKey(id)}
	n, err := retryScript.Run(ctx, q.rdb, keys, id).Int64()
	if err != nil {
		return apperr.Transient("queue.retry_job", err)
	}
	if n == 0 {
		return apperr.NotFound("queue.retry_job", "no failed job %s in %s", id, q.typ)
	}
	jobsRetried.WithLabelValues(string(q.typ)).Inc()
	q.signal()
	return nil
}

// Close 拒绝后续提交，已入库的任务保留
func (q *Queue) Close() {
	q.closed.Store(true)
}

// claim 把下一个等待任务移到 active 并返回，队列为空时返回 nil
func (q *Queue) claim(ctx context.Context, lease time.Duration) (*Job, error) {
	now := q.nowMs()
	keys := []string{q.key("wait"), q.key("active")}
	res, err := claimScript.Run(ctx, q.rdb, keys, now+lease.Milliseconds(), q.jobPrefix(), now, q.dedupPrefix()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	return parseJob(fields)
}

func (q *Queue) extendLease(ctx context.Context, id string, lease time.Duration) error {
	return q.rdb.ZAddXX(ctx, q.key("active"), redis.Z{
		Score:  float64(q.nowMs() + lease.Milliseconds()),
		Member: id,
	}).Err()
}

// complete 租约已被收回时返回 false
func (q *Queue) complete(ctx context.Context, job *Job) (bool, error) {
	keys := []string{q.key("active"), q.key("completed"), q.jobKey(job.ID)}
	n, err := completeScript.Run(ctx, q.rdb, keys,
		job.ID, q.nowMs(), q.settings.KeepCompletedAge.Milliseconds(), q.settings.KeepCompletedCount, q.jobPrefix(),
	).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type failOutcome int

const (
	failLost failOutcome = iota - 1
	failTerminal
	failRetrying
)

func (q *Queue) fail(ctx context.Context, job *Job, cause error, terminal bool) (failOutcome, error) {
	flag := "0"
	if terminal {
		flag = "1"
	}
	keys := []string{q.key("active"), q.key("delayed"), q.key("failed"), q.jobKey(job.ID)}
	n, err := failScript.Run(ctx, q.rdb, keys,
		job.ID, q.nowMs(), cause.Error(), backoffFor(job.Backoff, job.AttemptsMade).Milliseconds(),
		flag, q.settings.KeepFailedAge.Milliseconds(), q.jobPrefix(),
	).Int64()
	if err != nil {
		return failLost, err
	}
	return failOutcome(n), nil
}

func (q *Queue) promoteDelayed(ctx context.Context) (int64, error) {
	keys := []string{q.key("delayed"), q.key("wait"), q.key("seq")}
	n, err := promoteScript.Run(ctx, q.rdb, keys, q.nowMs(), q.jobPrefix(), 1000).Int64()
	if err == nil && n > 0 {
		q.signal()
	}
	return n, err
}

func (q *Queue) recoverStalled(ctx context.Context) (requeued, failed int64, err error) {
	keys := []string{q.key("active"), q.key("wait"), q.key("failed"), q.key("seq")}
	res, err := stalledScript.Run(ctx, q.rdb, keys, q.nowMs(), q.jobPrefix()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) == 2 {
		requeued, failed = res[0], res[1]
	}
	if requeued > 0 {
		q.signal()
	}
	return requeued, failed, nil
}

func parseJob(f map[string]string) (*Job, error) {
	t := Type(f["type"])
	p, err := DecodePayload(t, []byte(f["payload"]))
	if err != nil {
		return nil, apperr.Processing("queue.parse_job", err)
	}
	j := &Job{
		ID:           f["id"],
		Type:         t,
		Payload:      p,
		State:        State(f["state"]),
		FailedReason: f["failed_reason"],
	}
	j.AttemptsMade, _ = strconv.Atoi(f["attempts_made"])
	j.MaxAttempts, _ = strconv.Atoi(f["max_attempts"])
	j.Priority, _ = strconv.Atoi(f["priority"])
	if ms, err := strconv.ParseInt(f["backoff_ms"], 10, 64); err == nil {
		j.Backoff = time.Duration(ms) * time.Millisecond
	}
	if ts := msToTime(f["created_at"]); ts != nil {
		j.CreatedAt = *ts
	}
	j.ProcessedAt = msToTime(f["processed_at"])
	j.FinishedAt = msToTime(f["finished_at"])
	return j, nil
}
