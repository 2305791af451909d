package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/suggestion-votes/internal/apperr"
	"github.com/d60-Lab/suggestion-votes/pkg/logger"
)

// Options 注册表配置
type Options struct {
	// Prefix 队列 key 的命名空间，默认 "queue"
	Prefix       string
	PollInterval time.Duration
	// Lease 已领取任务无心跳超过该时长即视为卡住
	Lease    time.Duration
	Defaults Settings
	// Overrides 按队列覆盖 Defaults
	Overrides map[Type]Settings
	// Now 分数与时间戳使用的时钟，测试中替换
	Now func() time.Time
}

// Registry 每种任务类型一个 Queue，启动后每个队列一个 Worker。
// 启动时创建一次，按引用传递
type Registry struct {
	rdb     *redis.Client
	opts    Options
	queues  map[Type]*Queue
	mu      sync.Mutex
	workers map[Type]*Worker
	closed  bool
}

// NewRegistry 创建全部队列，Redis 客户端仍由调用方管理
func NewRegistry(rdb *redis.Client, opts Options) *Registry {
	if opts.Prefix == "" {
		opts.Prefix = "queue"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Defaults = normalize(opts.Defaults, DefaultSettings())

	r := &Registry{
		rdb:     rdb,
		opts:    opts,
		queues:  make(map[Type]*Queue, len(AllTypes())),
		workers: make(map[Type]*Worker),
	}
	for _, t := range AllTypes() {
		s := opts.Defaults
		if o, ok := opts.Overrides[t]; ok {
			s = normalize(o, opts.Defaults)
		}
		r.queues[t] = newQueue(rdb, opts.Prefix, t, s, opts.Now)
	}
	return r
}

func normalize(s, fallback Settings) Settings {
	if s.Concurrency <= 0 {
		s.Concurrency = fallback.Concurrency
	}
	if s.RateMax <= 0 {
		s.RateMax = fallback.RateMax
	}
	if s.RateWindow <= 0 {
		s.RateWindow = fallback.RateWindow
	}
	if s.Attempts <= 0 {
		s.Attempts = fallback.Attempts
	}
	if s.Backoff <= 0 {
		s.Backoff = fallback.Backoff
	}
	if s.KeepCompletedAge <= 0 {
		s.KeepCompletedAge = fallback.KeepCompletedAge
	}
	if s.KeepCompletedCount <= 0 {
		s.KeepCompletedCount = fallback.KeepCompletedCount
	}
	if s.KeepFailedAge <= 0 {
		s.KeepFailedAge = fallback.KeepFailedAge
	}
	return s
}

// StartWorkers 为每个队列启动 worker 池，统一交给 proc 处理
func (r *Registry) StartWorkers(proc Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if len(r.workers) > 0 {
		return errors.New("workers already started")
	}
	for _, t := range AllTypes() {
		q := r.queues[t]
		w := newWorker(q, proc, r.opts.PollInterval, r.opts.Lease)
		r.workers[t] = w
		w.start()
		logger.Info("queue worker started",
			zap.String("queue", string(t)),
			zap.Int("concurrency", q.settings.Concurrency),
			zap.Int("rate_max", q.settings.RateMax),
			zap.Duration("rate_window", q.settings.RateWindow))
	}
	return nil
}

// AddJob 按类型提交到对应队列
func (r *Registry) AddJob(ctx context.Context, p Payload, opts JobOptions) (*JobHandle, error) {
	if p == nil {
		return nil, apperr.Validation("queue.add_job", "nil payload")
	}
	q, err := r.Queue(p.JobType())
	if err != nil {
		return nil, err
	}
	return q.Add(ctx, p, opts)
}

// Queue 返回 t 对应的队列
func (r *Registry) Queue(t Type) (*Queue, error) {
	q, ok := r.queues[t]
	if !ok {
		return nil, apperr.NotFound("queue.lookup", "unknown queue %q", t)
	}
	return q, nil
}

// Counts 返回每个队列的各状态计数
func (r *Registry) Counts(ctx context.Context) (map[Type]Counts, error) {
	out := make(map[Type]Counts, len(r.queues))
	for _, t := range AllTypes() {
		c, err := r.queues[t].Counts(ctx)
		if err != nil {
			return nil, err
		}
		out[t] = c
	}
	return out, nil
}

// Close 排空并停止所有 worker，再关闭队列，不关闭 Redis 客户端
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	for _, q := range r.queues {
		q.Close()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close queues: %w", errors.Join(errs...))
	}
	logger.Info("queue registry closed")
	return nil
}
