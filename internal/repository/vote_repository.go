package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/suggestion-votes/internal/model"
)

// VoteRepository 投票读写。写操作均为条件写，返回是否命中，
// 调用方据此判断是否与并发请求发生了竞争
type VoteRepository interface {
	Find(ctx context.Context, suggestionID, userID string) (*model.Vote, error)
	ListBySuggestion(ctx context.Context, suggestionID string) ([]*model.Vote, error)
	Insert(ctx context.Context, suggestionID, userID string, t model.VoteType) (bool, error)
	Update(ctx context.Context, suggestionID, userID string, from, to model.VoteType) (bool, error)
	Delete(ctx context.Context, suggestionID, userID string, t model.VoteType) (bool, error)
	CountByType(ctx context.Context, suggestionID string, t model.VoteType) (int64, error)
	Counts(ctx context.Context, suggestionID string) (model.VoteCounts, error)
}

type voteRepository struct {
	db *gorm.DB
}

func NewVoteRepository(db *gorm.DB) VoteRepository { return &voteRepository{db: db} }

// Find 没有投票时返回 nil, nil
func (r *voteRepository) Find(ctx context.Context, suggestionID, userID string) (*model.Vote, error) {
	var v model.Vote
	err := r.db.WithContext(ctx).
		Where("suggestion_id = ? AND user_id = ?", suggestionID, userID).
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find vote: %w", err)
	}
	return &v, nil
}

func (r *voteRepository) ListBySuggestion(ctx context.Context, suggestionID string) ([]*model.Vote, error) {
	var res []*model.Vote
	err := r.db.WithContext(ctx).Where("suggestion_id = ?", suggestionID).Order("created_at ASC").Find(&res).Error
	return res, err
}

func (r *voteRepository) Insert(ctx context.Context, suggestionID, userID string, t model.VoteType) (bool, error) {
	v := &model.Vote{ID: uuid.New().String(), SuggestionID: suggestionID, UserID: userID, VoteType: t}
	// 唯一键冲突说明并发请求已先插入
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(v)
	if res.Error != nil {
		return false, fmt.Errorf("insert vote: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *voteRepository) Update(ctx context.Context, suggestionID, userID string, from, to model.VoteType) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Vote{}).
		Where("suggestion_id = ? AND user_id = ? AND vote_type = ?", suggestionID, userID, from).
		Update("vote_type", to)
	if res.Error != nil {
		return false, fmt.Errorf("update vote: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *voteRepository) Delete(ctx context.Context, suggestionID, userID string, t model.VoteType) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("suggestion_id = ? AND user_id = ? AND vote_type = ?", suggestionID, userID, t).
		Delete(&model.Vote{})
	if res.Error != nil {
		return false, fmt.Errorf("delete vote: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *voteRepository) CountByType(ctx context.Context, suggestionID string, t model.VoteType) (int64, error) {
	var cnt int64
	if err := r.db.WithContext(ctx).
		Model(&model.Vote{}).
		Where("suggestion_id = ? AND vote_type = ?", suggestionID, t).
		Count(&cnt).Error; err != nil {
		return 0, fmt.Errorf("count votes: %w", err)
	}
	return cnt, nil
}

// Counts 一次分组查询同时得到赞成与反对数
func (r *voteRepository) Counts(ctx context.Context, suggestionID string) (model.VoteCounts, error) {
	var rows []struct {
		VoteType model.VoteType
		N        int64
	}
	if err := r.db.WithContext(ctx).
		Model(&model.Vote{}).
		Select("vote_type, COUNT(*) AS n").
		Where("suggestion_id = ?", suggestionID).
		Group("vote_type").
		Scan(&rows).Error; err != nil {
		return model.VoteCounts{}, fmt.Errorf("count votes: %w", err)
	}
	var c model.VoteCounts
	for _, row := range rows {
		switch row.VoteType {
		case model.Upvote:
			c.Upvotes = row.N
		case model.Downvote:
			c.Downvotes = row.N
		}
	}
	return c, nil
}
