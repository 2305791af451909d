package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/d60-Lab/suggestion-votes/pkg/logger"
)

// Adder 调度器依赖的 Registry 能力
type Adder interface {
	AddJob(ctx context.Context, p Payload, opts JobOptions) (*JobHandle, error)
}

// Scheduler 按 cron 表达式提交任务（UTC，标准五段格式）
type Scheduler struct {
	cron  *cron.Cron
	adder Adder
}

func NewScheduler(adder Adder) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger{}))),
		adder: adder,
	}
}

// Every 每次触发时提交 p。未指定 DedupKey 时按任务类型生成，
// 多个实例共用 Redis 也不会堆积相同的待处理任务
func (s *Scheduler) Every(spec string, p Payload, opts JobOptions) (cron.EntryID, error) {
	if opts.DedupKey == "" {
		opts.DedupKey = "scheduled:" + string(p.JobType())
	}
	id, err := s.cron.AddFunc(spec, func() {
		h, err := s.adder.AddJob(context.Background(), p, opts)
		if err != nil {
			logger.Error("schedule job failed", zap.String("queue", string(p.JobType())), zap.Error(err))
			return
		}
		logger.Info("scheduled job submitted",
			zap.String("queue", string(h.Type)),
			zap.String("job_id", h.ID),
			zap.Bool("deduplicated", h.Deduplicated))
	})
	if err != nil {
		return 0, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return id, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop 停止调度，返回的 context 在进行中的提交结束后完成
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// cronLogger 把 zap 适配为 cron.Logger
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	logger.L().Sugar().Debugw(msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	logger.L().Sugar().Errorw(msg, append(kv, "error", err)...)
}
