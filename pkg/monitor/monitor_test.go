package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/suggestion-votes/config"
)

func TestInit_EmptyDSNDisabled(t *testing.T) {
	require.NoError(t, Init(config.SentryConfig{}))
	assert.False(t, Enabled())

	// 关闭状态下调用均为空操作
	CaptureException(errors.New("boom"), map[string]string{"queue": "approval-check"})
	CapturePanic("boom", nil)
	Flush(time.Millisecond)
}

func TestInit_BadDSN(t *testing.T) {
	require.Error(t, Init(config.SentryConfig{DSN: "::not a dsn"}))
	assert.False(t, Enabled())
}
