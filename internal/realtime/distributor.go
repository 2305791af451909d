// Package realtime 通过 Redis pub/sub 推送票数变化与用户通知。
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/suggestion-votes/internal/model"
	"github.com/d60-Lab/suggestion-votes/internal/repository"
	"github.com/d60-Lab/suggestion-votes/pkg/logger"
)

// VoteEvent 每次投票成功后发布
type VoteEvent struct {
	SuggestionID string          `json:"suggestion_id"`
	VoterID      string          `json:"voter_id"`
	UserVote     *model.VoteType `json:"user_vote"`
	Upvotes      int64           `json:"upvotes"`
	Downvotes    int64           `json:"downvotes"`
}

// Notice 待创建的通知，ID 保证幂等，为空时生成新 ID
type Notice struct {
	ID      string
	UserID  string
	Type    string
	Title   string
	Message string
}

// Distributor 在 {prefix}suggestion:<id> 与 {prefix}user:<id> 上发布 JSON 消息
type Distributor struct {
	rdb           *redis.Client
	prefix        string
	notifications repository.NotificationRepository
}

func NewDistributor(rdb *redis.Client, prefix string, notifications repository.NotificationRepository) *Distributor {
	return &Distributor{rdb: rdb, prefix: prefix, notifications: notifications}
}

func (d *Distributor) SuggestionChannel(id string) string { return d.prefix + "suggestion:" + id }
func (d *Distributor) UserChannel(id string) string       { return d.prefix + "user:" + id }

// Publish 把 v 编码为 JSON 并发布到 channel
func (d *Distributor) Publish(ctx context.Context, channel string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode realtime message: %w", err)
	}
	if err := d.rdb.Publish(ctx, channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// PublishVote 向关注该建议的客户端推送最新票数
func (d *Distributor) PublishVote(ctx context.Context, ev VoteEvent) error {
	return d.Publish(ctx, d.SuggestionChannel(ev.SuggestionID), struct {
		Event string `json:"event"`
		VoteEvent
	}{Event: "vote", VoteEvent: ev})
}

// CreateNotification 落库后推送到用户频道。
// 推送失败只记日志，用户以库中记录为准
func (d *Distributor) CreateNotification(ctx context.Context, n Notice) (*model.Notification, error) {
	row := &model.Notification{
		ID:      n.ID,
		UserID:  n.UserID,
		Type:    n.Type,
		Title:   n.Title,
		Message: n.Message,
	}
	created, err := d.notifications.Create(ctx, row)
	if err != nil {
		return nil, err
	}
	if !created {
		// 重复投递：通知已存在，不再推送
		return row, nil
	}
	if err := d.Publish(ctx, d.UserChannel(n.UserID), struct {
		Event        string              `json:"event"`
		Notification *model.Notification `json:"notification"`
	}{Event: "notification", Notification: row}); err != nil {
		logger.Warn("push notification failed", zap.String("user_id", n.UserID), zap.Error(err))
	}
	return row, nil
}
