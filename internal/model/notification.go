package model

import "time"

// Notification 站内通知，ReadAt 为空表示未读
type Notification struct {
	ID        string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    string     `gorm:"type:varchar(36);not null;index:idx_notification_user" json:"user_id"`
	Type      string     `gorm:"type:varchar(64);not null" json:"type"`
	Title     string     `gorm:"type:varchar(255);not null" json:"title"`
	Message   string     `gorm:"type:text" json:"message"`
	ReadAt    *time.Time `gorm:"index:idx_notification_read" json:"read_at,omitempty"`
	CreatedAt time.Time  `gorm:"index:idx_notification_created" json:"created_at"`
}

func (Notification) TableName() string { return "notifications" }
