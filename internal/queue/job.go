package queue

import (
	"strconv"
	"time"
)

// Type 队列名。集合封闭，每个 Type 恰好对应一个 Payload 与一个 Processor 方法
type Type string

const (
	ApprovalCheckJob        Type = "approval-check"
	NotificationDispatchJob Type = "notification-dispatch"
	AnalyticsIncrementJob   Type = "analytics-increment"
	MailDispatchJob         Type = "mail-dispatch"
	PeriodicCleanupJob      Type = "periodic-cleanup"
)

// AllTypes 按固定顺序列出全部队列
func AllTypes() []Type {
	return []Type{
		ApprovalCheckJob,
		NotificationDispatchJob,
		AnalyticsIncrementJob,
		MailDispatchJob,
		PeriodicCleanupJob,
	}
}

// ParseType 校验外部传入的队列名
func ParseType(s string) (Type, bool) {
	for _, t := range AllTypes() {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// State 任务所处状态
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ParseState 校验外部传入的状态名
func ParseState(s string) (State, bool) {
	switch State(s) {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed:
		return State(s), true
	}
	return "", false
}

// Job 任务哈希的快照
type Job struct {
	ID           string        `json:"id"`
	Type         Type          `json:"type"`
	Payload      Payload       `json:"payload"`
	State        State         `json:"state"`
	AttemptsMade int           `json:"attempts_made"`
	MaxAttempts  int           `json:"max_attempts"`
	Backoff      time.Duration `json:"backoff"`
	Priority     int           `json:"priority"`
	CreatedAt    time.Time     `json:"created_at"`
	ProcessedAt  *time.Time    `json:"processed_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	FailedReason string        `json:"failed_reason,omitempty"`
}

// JobOptions 单次提交参数，零值沿用队列设置
type JobOptions struct {
	Delay time.Duration
	// Priority 越小越先执行，默认 0
	Priority int
	Attempts int
	Backoff  time.Duration
	// DedupKey 非空时，同 key 的任务仍在等待或延迟中则合并提交，
	// 该任务被领取后释放
	DedupKey string
}

// JobHandle 已入队任务的标识
type JobHandle struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`
	// Deduplicated 为 true 表示本次提交合并到了已有任务
	Deduplicated bool `json:"deduplicated"`
}

// Counts 单个队列各状态的任务数
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// backoffFor 返回失败 attemptsMade 次后下次重试前的等待时间
func backoffFor(base time.Duration, attemptsMade int) time.Duration {
	if base <= 0 || attemptsMade <= 0 {
		return base
	}
	shift := attemptsMade - 1
	if shift > 20 {
		shift = 20
	}
	return base << uint(shift)
}

func msToTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
