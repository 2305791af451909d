package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/d60-Lab/suggestion-votes/config"
	"github.com/d60-Lab/suggestion-votes/internal/cache"
	"github.com/d60-Lab/suggestion-votes/internal/model"
	"github.com/d60-Lab/suggestion-votes/internal/queue"
	"github.com/d60-Lab/suggestion-votes/internal/realtime"
	"github.com/d60-Lab/suggestion-votes/internal/repository"
	"github.com/d60-Lab/suggestion-votes/internal/service"
	"github.com/d60-Lab/suggestion-votes/pkg/database"
)

const (
	suggestionCount = 200
	votesPerItem    = 500
	readCount       = 20000
	writeRatio      = 0.05
)

// discardJobs 丢弃提交的任务，只测读路径
type discardJobs struct{}

func (discardJobs) AddJob(_ context.Context, p queue.Payload, _ queue.JobOptions) (*queue.JobHandle, error) {
	return &queue.JobHandle{ID: "discarded", Type: p.JobType()}, nil
}

type discardPublisher struct{}

func (discardPublisher) PublishVote(context.Context, realtime.VoteEvent) error { return nil }

type scenarioResult struct {
	durations   []time.Duration
	storeReads  int64
	cacheKeys   int
	memoryBytes int64
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func mustDo(err error) {
	if err != nil {
		panic(err)
	}
}

// 本地运行需设置 APP_SERVER_MODE=debug 或 APP_JWT_SECRET
func main() {
	ctx := context.Background()
	cfg := must(config.Load())
	db := must(database.InitDB(cfg.Database))
	rdb := must(database.InitRedis(ctx, cfg.Redis))
	defer rdb.Close()
	mustDo(db.AutoMigrate(model.All()...))

	var storeReads atomic.Int64
	mustDo(db.Callback().Query().After("gorm:query").Register("cachebench:count", func(*gorm.DB) {
		storeReads.Add(1)
	}))

	fmt.Println("Setting up test data...")
	ids := seed(db)
	fmt.Printf("Test data ready: %d suggestions x %d votes\n", suggestionCount, votesPerItem)

	suggestions := repository.NewSuggestionRepository(db)
	votes := repository.NewVoteRepository(db)
	c := cache.New(rdb, cache.Options{Prefix: cfg.Redis.CachePrefix, OpTimeout: cfg.Cache.OpTimeout})
	svc := must(service.NewVoteService(suggestions, votes, c, discardJobs{}, discardPublisher{}, service.VoteOptions{
		ApprovalThreshold: math.MaxInt64,
		CountsTTL:         cfg.Cache.VotesTTL,
	}))

	reads := makeReads(ids, readCount)
	run := func(name string, warm bool, read func(context.Context, string) error, write func(context.Context, string) error) scenarioResult {
		fmt.Printf("%s\n", name)
		c.InvalidatePattern(ctx, "*")
		if warm {
			fmt.Print("  Warming cache...")
			for _, id := range ids {
				mustDo(read(ctx, id))
			}
			fmt.Println(" done")
		}
		storeReads.Store(0)

		fmt.Print("  Running benchmark...")
		rnd := rand.New(rand.NewSource(7))
		out := make([]time.Duration, 0, len(reads))
		for i, id := range reads {
			if write != nil && rnd.Float64() < writeRatio {
				mustDo(write(ctx, id))
			}
			start := time.Now()
			mustDo(read(ctx, id))
			out = append(out, time.Since(start))
			if i%5000 == 4999 {
				fmt.Print(".")
			}
		}
		fmt.Println(" done")
		return scenarioResult{
			durations:   out,
			storeReads:  storeReads.Load(),
			cacheKeys:   countKeys(ctx, rdb, cfg.Redis.CachePrefix+"*"),
			memoryBytes: redisMemory(ctx, rdb),
		}
	}

	noCache := run("No cache", false, func(ctx context.Context, id string) error {
		_, err := votes.Counts(ctx, id)
		return err
	}, nil)
	readThrough := run("Read-through", true, func(ctx context.Context, id string) error {
		_, err := svc.GetSuggestionVotes(ctx, id)
		return err
	}, nil)
	churn := run("Read-through + 5% votes", true, func(ctx context.Context, id string) error {
		_, err := svc.GetSuggestionVotes(ctx, id)
		return err
	}, func(ctx context.Context, id string) error {
		_, err := svc.VoteOnSuggestion(ctx, id, "bench-writer", model.Upvote)
		return err
	})

	fmt.Printf("\nVote count reads (%d req across %d suggestions)\n", readCount, suggestionCount)
	for _, r := range []struct {
		name string
		res  scenarioResult
	}{{"No cache", noCache}, {"Read-through", readThrough}, {"With vote churn", churn}} {
		fmt.Printf("%-18s avg=%v p95=%v p99=%v store_reads=%d cache_keys=%d mem=%s\n",
			r.name, avg(r.res.durations), pct(r.res.durations, 0.95), pct(r.res.durations, 0.99),
			r.res.storeReads, r.res.cacheKeys, formatBytes(r.res.memoryBytes))
	}
}

func seed(db *gorm.DB) []string {
	ids := make([]string, suggestionCount)
	for i := range ids {
		s := model.Suggestion{
			ID:       uuid.NewString(),
			Name:     fmt.Sprintf("bench-%d", i),
			Type:     "bench",
			Status:   model.SuggestionPending,
			AuthorID: "bench-author",
		}
		mustDo(db.Create(&s).Error)
		ids[i] = s.ID

		rows := make([]model.Vote, votesPerItem)
		for j := range rows {
			vt := model.Upvote
			if j%3 == 0 {
				vt = model.Downvote
			}
			rows[j] = model.Vote{
				ID:           uuid.NewString(),
				SuggestionID: s.ID,
				UserID:       fmt.Sprintf("bench-user-%d", j),
				VoteType:     vt,
			}
		}
		mustDo(db.CreateInBatches(&rows, 500).Error)
	}
	return ids
}

// makeReads 让五分之一的建议承接大部分读请求
func makeReads(ids []string, n int) []string {
	rnd := rand.New(rand.NewSource(42))
	hot := ids[:len(ids)/5]
	out := make([]string, n)
	for i := range out {
		if rnd.Float64() < 0.8 {
			out[i] = hot[rnd.Intn(len(hot))]
		} else {
			out[i] = ids[rnd.Intn(len(ids))]
		}
	}
	return out
}

func countKeys(ctx context.Context, rdb *redis.Client, match string) int {
	n := 0
	iter := rdb.Scan(ctx, 0, match, 1000).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n
}

// redisMemory 读取 INFO memory 中的 used_memory
func redisMemory(ctx context.Context, rdb *redis.Client) int64 {
	info, err := rdb.Info(ctx, "memory").Result()
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			n, _ := strconv.ParseInt(v, 10, 64)
			return n
		}
	}
	return 0
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range vs {
		sum += v
	}
	return sum / time.Duration(len(vs))
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
