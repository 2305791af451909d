package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/suggestion-votes/internal/apperr"
	"github.com/d60-Lab/suggestion-votes/pkg/logger"
	"github.com/d60-Lab/suggestion-votes/pkg/monitor"
)

var tracer = otel.Tracer("github.com/d60-Lab/suggestion-votes/internal/queue")

// Worker 一个队列上的有界 goroutine 池
type Worker struct {
	q            *Queue
	proc         Processor
	limiter      *rate.Limiter
	concurrency  int
	pollInterval time.Duration
	lease        time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newWorker(q *Queue, proc Processor, pollInterval, lease time.Duration) *Worker {
	s := q.settings
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		q:    q,
		proc: proc,
		// 每个 RateWindow 发放 RateMax 个令牌，突发上限 RateMax
		limiter:      rate.NewLimiter(rate.Every(s.RateWindow/time.Duration(s.RateMax)), s.RateMax),
		concurrency:  s.Concurrency,
		pollInterval: pollInterval,
		lease:        lease,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (w *Worker) start() {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop()
	}
	w.wg.Add(1)
	go w.maintain()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		if err := w.limiter.Wait(w.ctx); err != nil {
			return
		}
		job, err := w.q.claim(w.ctx, w.lease)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			logger.Warn("claim job failed", zap.String("queue", string(w.q.typ)), zap.Error(err))
			w.idle()
			continue
		}
		if job == nil {
			w.idle()
			continue
		}
		w.process(job)
	}
}

// idle 阻塞到有新任务通知、轮询间隔到期或 worker 停止
func (w *Worker) idle() {
	t := time.NewTimer(w.pollInterval)
	defer t.Stop()
	select {
	case <-w.q.wake:
	case <-t.C:
	case <-w.ctx.Done():
	}
}

func (w *Worker) maintain() {
	defer w.wg.Done()
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-t.C:
		}
		if _, err := w.q.promoteDelayed(w.ctx); err != nil && w.ctx.Err() == nil {
			logger.Warn("promote delayed jobs failed", zap.String("queue", string(w.q.typ)), zap.Error(err))
		}
		requeued, failed, err := w.q.recoverStalled(w.ctx)
		if err != nil {
			if w.ctx.Err() == nil {
				logger.Warn("recover stalled jobs failed", zap.String("queue", string(w.q.typ)), zap.Error(err))
			}
			continue
		}
		if n := requeued + failed; n > 0 {
			jobsStalled.WithLabelValues(string(w.q.typ)).Add(float64(n))
			logger.Warn("recovered stalled jobs",
				zap.String("queue", string(w.q.typ)),
				zap.Int64("requeued", requeued),
				zap.Int64("failed", failed))
		}
	}
}

// process 执行单个任务，使用独立 context，Close 时让进行中的任务跑完
func (w *Worker) process(job *Job) {
	queueName := string(w.q.typ)
	ctx, span := tracer.Start(context.Background(), "job "+queueName)
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.queue", queueName),
		attribute.Int("job.attempt", job.AttemptsMade),
	)

	stopLease := w.keepLease(job.ID)
	jobsActive.WithLabelValues(queueName).Inc()
	start := time.Now()
	err := w.run(ctx, job)
	jobDuration.WithLabelValues(queueName).Observe(time.Since(start).Seconds())
	jobsActive.WithLabelValues(queueName).Dec()
	stopLease()

	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err == nil {
		ok, cerr := w.q.complete(finishCtx, job)
		switch {
		case cerr != nil:
			logger.Error("complete job failed", zap.String("queue", queueName), zap.String("job_id", job.ID), zap.Error(cerr))
		case !ok:
			logger.Warn("job lease lost before completion", zap.String("queue", queueName), zap.String("job_id", job.ID))
		default:
			jobsCompleted.WithLabelValues(queueName).Inc()
			logger.Debug("job completed", zap.String("queue", queueName), zap.String("job_id", job.ID))
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	outcome, ferr := w.q.fail(finishCtx, job, err, IsUnrecoverable(err))
	if ferr != nil {
		logger.Error("record job failure failed", zap.String("queue", queueName), zap.String("job_id", job.ID), zap.Error(ferr))
		return
	}
	fields := []zap.Field{
		zap.String("queue", queueName),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.AttemptsMade),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Error(err),
	}
	switch outcome {
	case failRetrying:
		jobsFailed.WithLabelValues(queueName, "false").Inc()
		logger.Warn("job failed, will retry", append(fields, zap.Duration("backoff", backoffFor(job.Backoff, job.AttemptsMade)))...)
	case failTerminal:
		jobsFailed.WithLabelValues(queueName, "true").Inc()
		logger.Error("job failed permanently", fields...)
	default:
		logger.Warn("job lease lost before failure was recorded", fields...)
	}
}

func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			monitor.CapturePanic(r, map[string]string{"queue": string(job.Type), "job_id": job.ID})
			logger.Error("job panicked",
				zap.String("queue", string(job.Type)),
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil && apperr.CodeOf(err) != apperr.CodeProcessing {
			err = apperr.Processing(string(job.Type), err)
		}
	}()
	return job.Payload.dispatch(ctx, w.proc, job)
}

// keepLease 持续延长任务租约，直到调用返回的函数
func (w *Worker) keepLease(id string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(w.lease / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), w.lease/2)
				if err := w.q.extendLease(ctx, id, w.lease); err != nil {
					logger.Warn("extend job lease failed", zap.String("queue", string(w.q.typ)), zap.String("job_id", id), zap.Error(err))
				}
				cancel()
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Close 停止领取新任务并等待进行中的任务，或直到 ctx 结束
func (w *Worker) Close(ctx context.Context) error {
	w.once.Do(w.cancel)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close %s worker: %w", w.q.typ, ctx.Err())
	}
}
