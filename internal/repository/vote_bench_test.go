package repository

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/d60-Lab/suggestion-votes/internal/model"
	"github.com/d60-Lab/suggestion-votes/internal/testutil"
)

func BenchmarkVoteToggle_And_Recount(b *testing.B) {
	db := testutil.NewDB(b)
	repo := NewVoteRepository(db)
	ctx := context.Background()

	// 预置 1000 个用户对同一建议投票
	const users = 1000
	for i := 0; i < users; i++ {
		t := model.Upvote
		if i%3 == 0 {
			t = model.Downvote
		}
		if _, err := repo.Insert(ctx, "s0", fmt.Sprintf("u%04d", i), t); err != nil {
			b.Fatalf("seed: %v", err)
		}
	}

	rng := rand.New(rand.NewSource(1))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		uid := fmt.Sprintf("u%04d", rng.Intn(users))
		if ok, _ := repo.Update(ctx, "s0", uid, model.Upvote, model.Downvote); !ok {
			_, _ = repo.Update(ctx, "s0", uid, model.Downvote, model.Upvote)
		}
		if _, err := repo.Counts(ctx, "s0"); err != nil {
			b.Fatalf("counts: %v", err)
		}
	}
}

func BenchmarkVoteCounts_GroupByVsTwoCounts(b *testing.B) {
	db := testutil.NewDB(b)
	repo := NewVoteRepository(db)
	ctx := context.Background()
	for i := 0; i < 5000; i++ {
		_, _ = repo.Insert(ctx, "s0", fmt.Sprintf("u%05d", i), model.Upvote)
	}

	b.Run("group_by", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = repo.Counts(ctx, "s0")
		}
	})
	b.Run("two_counts", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = repo.CountByType(ctx, "s0", model.Upvote)
			_, _ = repo.CountByType(ctx, "s0", model.Downvote)
		}
	})
}
