package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/suggestion-votes/internal/analytics"
	"github.com/d60-Lab/suggestion-votes/internal/apperr"
	"github.com/d60-Lab/suggestion-votes/internal/cache"
	"github.com/d60-Lab/suggestion-votes/internal/model"
	"github.com/d60-Lab/suggestion-votes/internal/queue"
	"github.com/d60-Lab/suggestion-votes/internal/realtime"
	"github.com/d60-Lab/suggestion-votes/internal/repository"
	"github.com/d60-Lab/suggestion-votes/pkg/logger"
)

// 条件写冲突时的最大重试次数
const maxVoteAttempts = 3

var errVoteContention = errors.New("vote changed concurrently, retries exhausted")

// VoteResult 投票后的最新汇总
type VoteResult struct {
	Success        bool            `json:"success"`
	TotalUpvotes   int64           `json:"total_upvotes"`
	TotalDownvotes int64           `json:"total_downvotes"`
	UserVote       *model.VoteType `json:"user_vote"`
}

// VotePublisher 实时推送
type VotePublisher interface {
	PublishVote(ctx context.Context, ev realtime.VoteEvent) error
}

// VoteOptions 投票服务参数
type VoteOptions struct {
	// ApprovalThreshold 触发自动审核所需的赞成票数，必须 > 0
	ApprovalThreshold int64
	// DedupApproval 为 true 时同一建议只保留一个待处理的审核任务
	DedupApproval bool
	CountsTTL     time.Duration
	Now           func() time.Time
}

// VoteService 投票聚合服务
type VoteService interface {
	VoteOnSuggestion(ctx context.Context, suggestionID, userID string, voteType model.VoteType) (*VoteResult, error)
	GetSuggestionVotes(ctx context.Context, suggestionID string) (*model.VoteCounts, error)
}

type voteService struct {
	suggestions repository.SuggestionRepository
	votes       repository.VoteRepository
	cache       *cache.Cache
	jobs        queue.Adder
	publisher   VotePublisher
	opts        VoteOptions
}

func NewVoteService(
	suggestions repository.SuggestionRepository,
	votes repository.VoteRepository,
	c *cache.Cache,
	jobs queue.Adder,
	publisher VotePublisher,
	opts VoteOptions,
) (VoteService, error) {
	if opts.ApprovalThreshold <= 0 {
		return nil, apperr.Validation("vote.new", "approval threshold must be positive, got %d", opts.ApprovalThreshold)
	}
	if opts.CountsTTL <= 0 {
		opts.CountsTTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &voteService{
		suggestions: suggestions,
		votes:       votes,
		cache:       c,
		jobs:        jobs,
		publisher:   publisher,
		opts:        opts,
	}, nil
}

func (s *voteService) VoteOnSuggestion(ctx context.Context, suggestionID, userID string, voteType model.VoteType) (*VoteResult, error) {
	if suggestionID == "" || userID == "" {
		return nil, apperr.Validation("vote", "suggestion id and user id are required")
	}
	if !voteType.Valid() {
		return nil, apperr.Validation("vote", "invalid vote type %q", voteType)
	}

	suggestion, err := s.suggestions.FindByID(ctx, suggestionID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, apperr.Store("vote.find_suggestion", err)
	}

	userVote, err := s.applyVote(ctx, suggestionID, userID, voteType)
	if err != nil {
		return nil, err
	}

	// 以存储为准重新汇总，缓存只在提交之后写入
	counts, err := s.votes.Counts(ctx, suggestionID)
	if err != nil {
		return nil, apperr.Store("vote.count", err)
	}
	s.cache.SetWithTags(ctx, VotesCacheKey(suggestionID), counts, []string{SuggestionTag(suggestionID)}, s.opts.CountsTTL)

	if s.publisher != nil {
		if err := s.publisher.PublishVote(ctx, realtime.VoteEvent{
			SuggestionID: suggestionID,
			VoterID:      userID,
			UserVote:     userVote,
			Upvotes:      counts.Upvotes,
			Downvotes:    counts.Downvotes,
		}); err != nil {
			logger.Warn("publish vote failed", zap.String("suggestion_id", suggestionID), zap.Error(err))
		}
	}

	if suggestion.IsPending() && counts.Upvotes >= s.opts.ApprovalThreshold {
		s.submitApprovalCheck(ctx, suggestionID, counts)
	}
	s.submitAnalytics(ctx)

	return &VoteResult{
		Success:        true,
		TotalUpvotes:   counts.Upvotes,
		TotalDownvotes: counts.Downvotes,
		UserVote:       userVote,
	}, nil
}

// applyVote 执行一次状态转换：无票→投票、改票、重复投同一方向则撤销。
// 每一步都是条件写，未命中说明并发请求已改变状态，重新读取后再试
func (s *voteService) applyVote(ctx context.Context, suggestionID, userID string, voteType model.VoteType) (*model.VoteType, error) {
	for attempt := 0; attempt < maxVoteAttempts; attempt++ {
		existing, err := s.votes.Find(ctx, suggestionID, userID)
		if err != nil {
			return nil, apperr.Store("vote.find", err)
		}

		var (
			applied bool
			result  *model.VoteType
		)
		switch {
		case existing == nil:
			applied, err = s.votes.Insert(ctx, suggestionID, userID, voteType)
			result = &voteType
		case existing.VoteType == voteType:
			applied, err = s.votes.Delete(ctx, suggestionID, userID, voteType)
			result = nil
		default:
			applied, err = s.votes.Update(ctx, suggestionID, userID, existing.VoteType, voteType)
			result = &voteType
		}
		if err != nil {
			return nil, apperr.Store("vote.apply", err)
		}
		if applied {
			return result, nil
		}
		logger.Debug("vote write lost race, retrying",
			zap.String("suggestion_id", suggestionID),
			zap.String("user_id", userID),
			zap.Int("attempt", attempt+1))
	}
	return nil, apperr.Store("vote.apply", errVoteContention)
}

func (s *voteService) submitApprovalCheck(ctx context.Context, suggestionID string, counts model.VoteCounts) {
	opts := queue.JobOptions{}
	if s.opts.DedupApproval {
		opts.DedupKey = approvalDedupKey(suggestionID)
	}
	h, err := s.jobs.AddJob(ctx, queue.ApprovalCheck{SuggestionID: suggestionID}, opts)
	if err != nil {
		// 投票已提交，不回滚；后续投票会再次触发
		logger.Error("submit approval check failed", zap.String("suggestion_id", suggestionID), zap.Error(err))
		return
	}
	logger.Info("approval check submitted",
		zap.String("suggestion_id", suggestionID),
		zap.String("job_id", h.ID),
		zap.Bool("deduplicated", h.Deduplicated),
		zap.Int64("upvotes", counts.Upvotes))
}

func (s *voteService) submitAnalytics(ctx context.Context) {
	p := queue.AnalyticsIncrement{Metric: "votes", By: 1, Date: analytics.Day(s.opts.Now())}
	if _, err := s.jobs.AddJob(ctx, p, queue.JobOptions{}); err != nil {
		logger.Warn("submit analytics increment failed", zap.Error(err))
	}
}

func (s *voteService) GetSuggestionVotes(ctx context.Context, suggestionID string) (*model.VoteCounts, error) {
	if suggestionID == "" {
		return nil, apperr.Validation("votes.get", "suggestion id is required")
	}
	counts, err := cache.GetOrSetWithTags(ctx, s.cache, VotesCacheKey(suggestionID), []string{SuggestionTag(suggestionID)}, s.opts.CountsTTL,
		func(ctx context.Context) (model.VoteCounts, error) {
			if _, err := s.suggestions.FindByID(ctx, suggestionID); err != nil {
				return model.VoteCounts{}, err
			}
			return s.votes.Counts(ctx, suggestionID)
		})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, apperr.Store("votes.get", err)
	}
	return &counts, nil
}
