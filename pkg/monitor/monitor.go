package monitor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/d60-Lab/suggestion-votes/config"
)

var enabled atomic.Bool

// Init 初始化 Sentry，DSN 为空时不上报
func Init(cfg config.SentryConfig) error {
	if cfg.DSN == "" {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
	}); err != nil {
		return fmt.Errorf("init sentry: %w", err)
	}
	enabled.Store(true)
	return nil
}

// Enabled 是否已开启上报
func Enabled() bool { return enabled.Load() }

// CaptureException 上报错误并附带标签
func CaptureException(err error, tags map[string]string) {
	if !enabled.Load() || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// CapturePanic 将 recover() 的值转为错误上报
func CapturePanic(r interface{}, tags map[string]string) {
	if r == nil {
		return
	}
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", r)
	}
	CaptureException(err, tags)
}

// Flush 退出前等待事件发送
func Flush(timeout time.Duration) {
	if enabled.Load() {
		sentry.Flush(timeout)
	}
}
