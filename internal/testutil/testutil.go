// Package testutil 为各包测试提供内存数据库与 Redis。
package testutil

import (
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/suggestion-votes/internal/model"
)

// NewDB 打开独立的 shared-cache 内存 sqlite 并迁移全部模型。
// 单连接让写入串行，效果等同 Postgres 上的行锁
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:votes_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(model.All()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// NewRedis 启动 miniredis 并返回已连接的客户端
func NewRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// SeedSuggestion 插入一条待审核建议
func SeedSuggestion(t testing.TB, db *gorm.DB, authorID string) *model.Suggestion {
	t.Helper()
	s := &model.Suggestion{
		ID:       uuid.NewString(),
		Name:     "Go concurrency patterns",
		Type:     "article",
		Status:   model.SuggestionPending,
		AuthorID: authorID,
	}
	if err := db.Create(s).Error; err != nil {
		t.Fatalf("seed suggestion: %v", err)
	}
	return s
}
