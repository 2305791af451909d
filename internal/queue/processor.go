package queue

import (
	"context"
	"errors"
)

// Processor 处理所有任务类型。新增 Type 而不在此添加方法会编译失败，
// 因为其 Payload 无法实现 dispatch
type Processor interface {
	ApprovalCheck(ctx context.Context, job *Job, p ApprovalCheck) error
	NotificationDispatch(ctx context.Context, job *Job, p NotificationDispatch) error
	AnalyticsIncrement(ctx context.Context, job *Job, p AnalyticsIncrement) error
	MailDispatch(ctx context.Context, job *Job, p MailDispatch) error
	PeriodicCleanup(ctx context.Context, job *Job, p PeriodicCleanup) error
}

type unrecoverableError struct{ err error }

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable 标记 err，任务直接失败不再重试
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable 判断 err 是否被 Unrecoverable 标记
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}
