package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Payload 任务体的封闭集合，只有本包的类型实现它。
// 任务体只带 ID，不带实体快照
type Payload interface {
	JobType() Type
	dispatch(ctx context.Context, p Processor, job *Job) error
}

// ApprovalCheck 重新评估建议是否满足自动审核
type ApprovalCheck struct {
	SuggestionID string `json:"suggestion_id" validate:"required"`
}

func (ApprovalCheck) JobType() Type { return ApprovalCheckJob }
func (p ApprovalCheck) dispatch(ctx context.Context, proc Processor, job *Job) error {
	return proc.ApprovalCheck(ctx, job, p)
}

// NotificationDispatch 给用户投递站内通知
type NotificationDispatch struct {
	UserID  string `json:"user_id" validate:"required"`
	Type    string `json:"type" validate:"required"`
	Title   string `json:"title" validate:"required"`
	Message string `json:"message"`
}

func (NotificationDispatch) JobType() Type { return NotificationDispatchJob }
func (p NotificationDispatch) dispatch(ctx context.Context, proc Processor, job *Job) error {
	return proc.NotificationDispatch(ctx, job, p)
}

// AnalyticsIncrement 按日期累加计数。Date 在提交时确定（YYYY-MM-DD，UTC），
// 重试仍落在同一天
type AnalyticsIncrement struct {
	Metric string `json:"metric" validate:"required"`
	By     int64  `json:"by" validate:"gt=0"`
	Date   string `json:"date" validate:"required,datetime=2006-01-02"`
}

func (AnalyticsIncrement) JobType() Type { return AnalyticsIncrementJob }
func (p AnalyticsIncrement) dispatch(ctx context.Context, proc Processor, job *Job) error {
	return proc.AnalyticsIncrement(ctx, job, p)
}

// MailDispatch 把模板邮件交给 mailer
type MailDispatch struct {
	To       string            `json:"to" validate:"required,email"`
	Subject  string            `json:"subject" validate:"required"`
	Template string            `json:"template" validate:"required"`
	Data     map[string]string `json:"data,omitempty"`
}

func (MailDispatch) JobType() Type { return MailDispatchJob }
func (p MailDispatch) dispatch(ctx context.Context, proc Processor, job *Job) error {
	return proc.MailDispatch(ctx, job, p)
}

// PeriodicCleanup 清理已读通知与孤立的缓存标签
type PeriodicCleanup struct {
	// RetentionDays 大于 0 时覆盖配置的通知保留天数
	RetentionDays int `json:"retention_days" validate:"gte=0"`
}

func (PeriodicCleanup) JobType() Type { return PeriodicCleanupJob }
func (p PeriodicCleanup) dispatch(ctx context.Context, proc Processor, job *Job) error {
	return proc.PeriodicCleanup(ctx, job, p)
}

// DecodePayload 按队列解析 JSON 任务体并校验
func DecodePayload(t Type, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case ApprovalCheckJob:
		var v ApprovalCheck
		err = json.Unmarshal(raw, &v)
		p = v
	case NotificationDispatchJob:
		var v NotificationDispatch
		err = json.Unmarshal(raw, &v)
		p = v
	case AnalyticsIncrementJob:
		var v AnalyticsIncrement
		err = json.Unmarshal(raw, &v)
		p = v
	case MailDispatchJob:
		var v MailDispatch
		err = json.Unmarshal(raw, &v)
		p = v
	case PeriodicCleanupJob:
		var v PeriodicCleanup
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", t, err)
	}
	return p, nil
}
