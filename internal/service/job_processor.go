package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/suggestion-votes/internal/analytics"
	"github.com/d60-Lab/suggestion-votes/internal/apperr"
	"github.com/d60-Lab/suggestion-votes/internal/cache"
	"github.com/d60-Lab/suggestion-votes/internal/mail"
	"github.com/d60-Lab/suggestion-votes/internal/model"
	"github.com/d60-Lab/suggestion-votes/internal/queue"
	"github.com/d60-Lab/suggestion-votes/internal/realtime"
	"github.com/d60-Lab/suggestion-votes/internal/repository"
	"github.com/d60-Lab/suggestion-votes/pkg/logger"
)

// NotificationApproved 审核通过通知类型
const NotificationApproved = "suggestion_approved"

// Notifier 通知分发
type Notifier interface {
	CreateNotification(ctx context.Context, n realtime.Notice) (*model.Notification, error)
}

// ProcessorDeps 任务处理器依赖
type ProcessorDeps struct {
	Suggestions   repository.SuggestionRepository
	Votes         repository.VoteRepository
	Notifications repository.NotificationRepository
	Cache         *cache.Cache
	Jobs          queue.Adder
	Notifier      Notifier
	Mailer        mail.Mailer
	Counter       *analytics.Counter
	// ApprovalThreshold 与投票服务一致
	ApprovalThreshold int64
	// NotificationRetention 已读通知保留时长
	NotificationRetention time.Duration
	Now                   func() time.Time
}

// JobProcessor 实现所有队列的处理逻辑，均可安全重复执行
type JobProcessor struct {
	d ProcessorDeps
}

var _ queue.Processor = (*JobProcessor)(nil)

func NewJobProcessor(d ProcessorDeps) (*JobProcessor, error) {
	if d.ApprovalThreshold <= 0 {
		return nil, apperr.Validation("processor.new", "approval threshold must be positive, got %d", d.ApprovalThreshold)
	}
	if d.NotificationRetention <= 0 {
		d.NotificationRetention = 30 * 24 * time.Hour
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &JobProcessor{d: d}, nil
}

// ApprovalCheck 重新读取建议与票数；只有 pending 状态才会流转，这是唯一的幂等保证
func (p *JobProcessor) ApprovalCheck(ctx context.Context, job *queue.Job, in queue.ApprovalCheck) error {
	s, err := p.d.Suggestions.FindByID(ctx, in.SuggestionID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return queue.Unrecoverable(err)
		}
		return err
	}
	if !s.IsPending() {
		logger.Debug("approval check skipped, suggestion no longer pending",
			zap.String("suggestion_id", s.ID), zap.String("status", string(s.Status)))
		return nil
	}

	counts, err := p.d.Votes.Counts(ctx, s.ID)
	if err != nil {
		return err
	}
	if counts.Upvotes < p.d.ApprovalThreshold || counts.Upvotes <= counts.Downvotes {
		return nil
	}

	approved, err := p.d.Suggestions.UpdateStatusIfPending(ctx, s.ID, model.SuggestionApproved)
	if err != nil {
		return err
	}
	if !approved {
		// 并发的审核任务已先完成流转
		return nil
	}
	p.d.Cache.InvalidateByTag(ctx, SuggestionTag(s.ID))
	logger.Info("suggestion approved",
		zap.String("suggestion_id", s.ID),
		zap.Int64("upvotes", counts.Upvotes),
		zap.Int64("downvotes", counts.Downvotes),
		zap.String("job_id", job.ID))

	p.notifyAuthor(ctx, job, s)
	return nil
}

// notifyAuthor 优先异步投递，队列不可用时直接写入；失败只记录日志，状态已流转不回退
func (p *JobProcessor) notifyAuthor(ctx context.Context, job *queue.Job, s *model.Suggestion) {
	n := queue.NotificationDispatch{
		UserID:  s.AuthorID,
		Type:    NotificationApproved,
		Title:   "Your suggestion was approved",
		Message: fmt.Sprintf("%q reached the community threshold and is now live.", s.Name),
	}
	_, err := p.d.Jobs.AddJob(ctx, n, queue.JobOptions{})
	if err == nil {
		return
	}
	logger.Warn("enqueue approval notification failed, delivering inline", zap.String("suggestion_id", s.ID), zap.Error(err))
	if _, err := p.d.Notifier.CreateNotification(ctx, realtime.Notice{
		ID:      job.ID,
		UserID:  n.UserID,
		Type:    n.Type,
		Title:   n.Title,
		Message: n.Message,
	}); err != nil {
		logger.Error("deliver approval notification failed", zap.String("suggestion_id", s.ID), zap.Error(err))
	}
}

// NotificationDispatch 以任务 ID 作为通知 ID，重试不会重复创建
func (p *JobProcessor) NotificationDispatch(ctx context.Context, job *queue.Job, in queue.NotificationDispatch) error {
	_, err := p.d.Notifier.CreateNotification(ctx, realtime.Notice{
		ID:      job.ID,
		UserID:  in.UserID,
		Type:    in.Type,
		Title:   in.Title,
		Message: in.Message,
	})
	return err
}

func (p *JobProcessor) AnalyticsIncrement(ctx context.Context, job *queue.Job, in queue.AnalyticsIncrement) error {
	applied, err := p.d.Counter.Increment(ctx, in.Metric, in.Date, in.By, job.ID)
	if err != nil {
		return err
	}
	if !applied {
		logger.Debug("analytics increment already applied", zap.String("job_id", job.ID))
	}
	return nil
}

func (p *JobProcessor) MailDispatch(ctx context.Context, _ *queue.Job, in queue.MailDispatch) error {
	err := p.d.Mailer.Send(ctx, mail.Message{
		To:       in.To,
		Subject:  in.Subject,
		Template: in.Template,
		Data:     in.Data,
	})
	if errors.Is(err, mail.ErrUnknownTemplate) {
		return queue.Unrecoverable(err)
	}
	return err
}

// PeriodicCleanup 清理过期已读通知与失效的缓存标签
func (p *JobProcessor) PeriodicCleanup(ctx context.Context, _ *queue.Job, in queue.PeriodicCleanup) error {
	retention := p.d.NotificationRetention
	if in.RetentionDays > 0 {
		retention = time.Duration(in.RetentionDays) * 24 * time.Hour
	}
	purged, err := p.d.Notifications.PurgeRead(ctx, p.d.Now().Add(-retention))
	if err != nil {
		return err
	}
	swept := p.d.Cache.SweepTags(ctx)
	logger.Info("periodic cleanup finished",
		zap.Int64("notifications_purged", purged),
		zap.Int64("tag_members_swept", swept),
		zap.Duration("retention", retention))
	return nil
}
