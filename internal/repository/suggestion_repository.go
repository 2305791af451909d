package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/suggestion-votes/internal/apperr"
	"github.com/d60-Lab/suggestion-votes/internal/model"
)

type SuggestionRepository interface {
	Create(ctx context.Context, s *model.Suggestion) error
	FindByID(ctx context.Context, id string) (*model.Suggestion, error)
	// UpdateStatusIfPending 仅当仍为 pending 时更新，返回是否发生了流转
	UpdateStatusIfPending(ctx context.Context, id string, status model.SuggestionStatus) (bool, error)
}

type suggestionRepository struct {
	db *gorm.DB
}

func NewSuggestionRepository(db *gorm.DB) SuggestionRepository { return &suggestionRepository{db: db} }

func (r *suggestionRepository) Create(ctx context.Context, s *model.Suggestion) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = model.SuggestionPending
	}
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *suggestionRepository) FindByID(ctx context.Context, id string) (*model.Suggestion, error) {
	var s model.Suggestion
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("suggestion.find", "suggestion %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find suggestion %s: %w", id, err)
	}
	return &s, nil
}

func (r *suggestionRepository) UpdateStatusIfPending(ctx context.Context, id string, status model.SuggestionStatus) (bool, error) {
	// 条件更新保证状态单调：并发的审核任务只有一个能成功
	res := r.db.WithContext(ctx).
		Model(&model.Suggestion{}).
		Where("id = ? AND status = ?", id, model.SuggestionPending).
		Update("status", status)
	if res.Error != nil {
		return false, fmt.Errorf("update suggestion %s status: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}
