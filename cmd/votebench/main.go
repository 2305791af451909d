package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/d60-Lab/suggestion-votes/config"
	"github.com/d60-Lab/suggestion-votes/internal/app"
	"github.com/d60-Lab/suggestion-votes/internal/model"
	"github.com/d60-Lab/suggestion-votes/internal/queue"
	"github.com/d60-Lab/suggestion-votes/internal/repository"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
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

// 并发投票收敛测试：USERS 个用户各投 OPS 次（随机赞成/反对/撤销），
// 结束后对比缓存票数与库内重算结果，并等待自动审核完成
// 本地运行需设置 APP_SERVER_MODE=debug 或 APP_JWT_SECRET
func main() {
	ctx := context.Background()
	cfg := must(config.Load())
	a := must(app.New(ctx, cfg))
	if err := a.Registry.StartWorkers(a.Processor); err != nil {
		panic(err)
	}

	users := envInt("USERS", 200)
	ops := envInt("OPS", 5)
	conc := envInt("CONC", 32)
	if conc > users {
		conc = users
	}

	db := a.DB()
	s := &model.Suggestion{
		ID:       uuid.New().String(),
		Name:     "votebench",
		Type:     "bench",
		Status:   model.SuggestionPending,
		AuthorID: "votebench-author",
	}
	if err := repository.NewSuggestionRepository(db).Create(ctx, s); err != nil {
		panic(err)
	}

	lat := make(chan time.Duration, users*ops)
	errs := make(chan error, users*ops)
	feed := make(chan string, users)
	for i := 0; i < users; i++ {
		feed <- fmt.Sprintf("bench-%d-%s", i, uuid.New().String()[:8])
	}
	close(feed)

	t0 := time.Now()
	done := make(chan struct{}, conc)
	for w := 0; w < conc; w++ {
		go func(seed int64) {
			rnd := rand.New(rand.NewSource(seed))
			for user := range feed {
				for j := 0; j < ops; j++ {
					vt := model.Upvote
					if rnd.Intn(4) == 0 {
						vt = model.Downvote
					}
					st := time.Now()
					if _, err := a.Votes.VoteOnSuggestion(ctx, s.ID, user, vt); err != nil {
						errs <- err
					}
					lat <- time.Since(st)
				}
			}
			done <- struct{}{}
		}(int64(w))
	}
	for w := 0; w < conc; w++ {
		<-done
	}
	total := time.Since(t0)
	close(lat)
	close(errs)

	recs := make([]time.Duration, 0, users*ops)
	for d := range lat {
		recs = append(recs, d)
	}
	failed := 0
	for range errs {
		failed++
	}

	cached := must(a.Votes.GetSuggestionVotes(ctx, s.ID))
	stored := must(repository.NewVoteRepository(db).Counts(ctx, s.ID))

	// 等待审核与通知队列清空
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		counts := must(a.Registry.Counts(ctx))
		ac, nd := counts[queue.ApprovalCheckJob], counts[queue.NotificationDispatchJob]
		if ac.Waiting+ac.Active+ac.Delayed+nd.Waiting+nd.Active+nd.Delayed == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	final := must(repository.NewSuggestionRepository(db).FindByID(ctx, s.ID))
	var notified int64
	db.Model(&model.Notification{}).Where("user_id = ?", s.AuthorID).Count(&notified)

	fmt.Printf("USERS=%d, OPS=%d, CONC=%d, threshold=%d\n", users, ops, conc, cfg.Vote.ApprovalThreshold)
	fmt.Printf("Votes total: %v, per op: %v, p50: %v, p95: %v, p99: %v, errors: %d\n",
		total, total/time.Duration(len(recs)), pct(recs, 0.50), pct(recs, 0.95), pct(recs, 0.99), failed)
	fmt.Printf("Counts cached=%+v stored=%+v converged=%v\n", *cached, stored, *cached == stored)
	fmt.Printf("Suggestion status=%s, author notifications=%d\n", final.Status, notified)

	sctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(sctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
