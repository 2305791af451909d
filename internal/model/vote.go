package model

import "time"

// VoteType 投票方向
type VoteType string

const (
	Upvote   VoteType = "upvote"
	Downvote VoteType = "downvote"
)

// Valid 只接受 upvote / downvote
func (t VoteType) Valid() bool { return t == Upvote || t == Downvote }

// Vote 用户对建议的投票，(suggestion_id, user_id) 唯一
type Vote struct {
	ID           string   `gorm:"primaryKey;type:varchar(36)"`
	SuggestionID string   `gorm:"type:varchar(36);not null;uniqueIndex:ux_vote_suggestion_user,priority:1"`
	UserID       string   `gorm:"type:varchar(36);not null;uniqueIndex:ux_vote_suggestion_user,priority:2"`
	VoteType     VoteType `gorm:"type:varchar(16);not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Vote) TableName() string { return "votes" }

// VoteCounts 由投票记录实时汇总，缓存副本只作加速
type VoteCounts struct {
	Upvotes   int64 `json:"upvotes"`
	Downvotes int64 `json:"downvotes"`
}
