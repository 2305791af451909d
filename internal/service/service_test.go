package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/suggestion-votes/internal/analytics"
	"github.com/d60-Lab/suggestion-votes/internal/cache"
	"github.com/d60-Lab/suggestion-votes/internal/mail"
	"github.com/d60-Lab/suggestion-votes/internal/model"
	"github.com/d60-Lab/suggestion-votes/internal/queue"
	"github.com/d60-Lab/suggestion-votes/internal/realtime"
	"github.com/d60-Lab/suggestion-votes/internal/repository"
	"github.com/d60-Lab/suggestion-votes/internal/testutil"
)

// recordingAdder 记录提交的任务，可注入提交失败
type recordingAdder struct {
	mu       sync.Mutex
	payloads []queue.Payload
	opts     []queue.JobOptions
	err      error
}

func (a *recordingAdder) AddJob(_ context.Context, p queue.Payload, opts queue.JobOptions) (*queue.JobHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	a.payloads = append(a.payloads, p)
	a.opts = append(a.opts, opts)
	return &queue.JobHandle{ID: "job", Type: p.JobType()}, nil
}

func (a *recordingAdder) ofType(t queue.Type) []queue.Payload {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []queue.Payload
	for _, p := range a.payloads {
		if p.JobType() == t {
			out = append(out, p)
		}
	}
	return out
}

type testEnv struct {
	db            *gorm.DB
	mr            *miniredis.Miniredis
	rdb           *redis.Client
	suggestions   repository.SuggestionRepository
	votes         repository.VoteRepository
	notifications repository.NotificationRepository
	cache         *cache.Cache
	distributor   *realtime.Distributor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.NewDB(t)
	mr, rdb := testutil.NewRedis(t)
	notifications := repository.NewNotificationRepository(db)
	return &testEnv{
		db:            db,
		mr:            mr,
		rdb:           rdb,
		suggestions:   repository.NewSuggestionRepository(db),
		votes:         repository.NewVoteRepository(db),
		notifications: notifications,
		cache:         cache.New(rdb, cache.Options{OpTimeout: time.Second}),
		distributor:   realtime.NewDistributor(rdb, "realtime:", notifications),
	}
}

func (e *testEnv) voteService(t *testing.T, jobs queue.Adder, threshold int64, dedup bool) VoteService {
	t.Helper()
	svc, err := NewVoteService(e.suggestions, e.votes, e.cache, jobs, e.distributor, VoteOptions{
		ApprovalThreshold: threshold,
		DedupApproval:     dedup,
		CountsTTL:         5 * time.Minute,
	})
	require.NoError(t, err)
	return svc
}

func (e *testEnv) processor(t *testing.T, jobs queue.Adder, threshold int64) *JobProcessor {
	t.Helper()
	p, err := NewJobProcessor(ProcessorDeps{
		Suggestions:           e.suggestions,
		Votes:                 e.votes,
		Notifications:         e.notifications,
		Cache:                 e.cache,
		Jobs:                  jobs,
		Notifier:              e.distributor,
		Mailer:                mail.NewLogMailer(),
		Counter:               analytics.NewCounter(e.rdb, 0),
		ApprovalThreshold:     threshold,
		NotificationRetention: 24 * time.Hour,
	})
	require.NoError(t, err)
	return p
}

// startRegistry 启动真实队列与 worker
func (e *testEnv) startRegistry(t *testing.T, threshold int64) *queue.Registry {
	t.Helper()
	reg := queue.NewRegistry(e.rdb, queue.Options{
		PollInterval: 10 * time.Millisecond,
		Lease:        time.Second,
		Defaults: queue.Settings{
			Concurrency: 5,
			RateMax:     1000,
			RateWindow:  time.Second,
			Attempts:    3,
			Backoff:     10 * time.Millisecond,
		},
	})
	require.NoError(t, reg.StartWorkers(e.processor(t, reg, threshold)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})
	return reg
}

func waitIdle(t *testing.T, reg *queue.Registry) {
	t.Helper()
	require.Eventually(t, func() bool {
		counts, err := reg.Counts(context.Background())
		if err != nil {
			return false
		}
		for _, c := range counts {
			if c.Waiting+c.Delayed+c.Active > 0 {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
}

func countNotifications(t *testing.T, db *gorm.DB, userID, typ string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.Notification{}).Where("user_id = ? AND type = ?", userID, typ).Count(&n).Error)
	return n
}

var errInjected = errors.New("injected")
