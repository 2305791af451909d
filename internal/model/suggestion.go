package model

import "time"

// SuggestionStatus 建议审核状态，只能从 pending 单向流转
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApproved SuggestionStatus = "approved"
	SuggestionRejected SuggestionStatus = "rejected"
)

// Suggestion 社区提交的资源建议
type Suggestion struct {
	ID        string           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name      string           `gorm:"type:varchar(255);not null" json:"name"`
	Type      string           `gorm:"type:varchar(64);not null" json:"type"`
	Status    SuggestionStatus `gorm:"type:varchar(16);not null;default:pending;index:idx_suggestion_status" json:"status"`
	AuthorID  string           `gorm:"type:varchar(36);not null;index:idx_suggestion_author" json:"author_id"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (Suggestion) TableName() string { return "suggestions" }

// IsPending 是否仍可被自动审核
func (s *Suggestion) IsPending() bool { return s.Status == SuggestionPending }
