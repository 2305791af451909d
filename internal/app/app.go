// Package app 负责组装进程内所有组件并控制启动与关闭顺序
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/suggestion-votes/config"
	"github.com/d60-Lab/suggestion-votes/internal/analytics"
	"github.com/d60-Lab/suggestion-votes/internal/api"
	"github.com/d60-Lab/suggestion-votes/internal/api/handler"
	"github.com/d60-Lab/suggestion-votes/internal/cache"
	"github.com/d60-Lab/suggestion-votes/internal/mail"
	"github.com/d60-Lab/suggestion-votes/internal/model"
	"github.com/d60-Lab/suggestion-votes/internal/queue"
	"github.com/d60-Lab/suggestion-votes/internal/realtime"
	"github.com/d60-Lab/suggestion-votes/internal/repository"
	"github.com/d60-Lab/suggestion-votes/internal/service"
	"github.com/d60-Lab/suggestion-votes/pkg/database"
	"github.com/d60-Lab/suggestion-votes/pkg/logger"
)

// App 进程级容器，持有连接、队列注册表与 HTTP 服务
type App struct {
	cfg *config.Config

	db  *gorm.DB
	rdb *redis.Client

	Registry  *queue.Registry
	Votes     service.VoteService
	Processor *service.JobProcessor
	Router    *gin.Engine

	scheduler *queue.Scheduler
	server    *http.Server
	listener  net.Listener
	serveErr  chan error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New 打开数据库与 Redis 并组装组件
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := database.InitDB(cfg.Database)
	if err != nil {
		return nil, err
	}
	rdb, err := database.InitRedis(ctx, cfg.Redis)
	if err != nil {
		_ = database.CloseDB(db)
		return nil, err
	}
	a, err := Build(cfg, db, rdb)
	if err != nil {
		_ = rdb.Close()
		_ = database.CloseDB(db)
		return nil, err
	}
	return a, nil
}

// Build 在已有连接上组装组件，连接的所有权转交给 App
func Build(cfg *config.Config, db *gorm.DB, rdb *redis.Client) (*App, error) {
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(model.All()...); err != nil {
			return nil, fmt.Errorf("automigrate: %w", err)
		}
	}
	gin.SetMode(cfg.Server.Mode)

	suggestions := repository.NewSuggestionRepository(db)
	votes := repository.NewVoteRepository(db)
	notifications := repository.NewNotificationRepository(db)

	registry := queue.NewRegistry(rdb, QueueOptions(cfg.Queue, cfg.Redis.QueuePrefix))
	c := cache.New(rdb, cache.Options{
		Prefix:     cfg.Redis.CachePrefix,
		DefaultTTL: cfg.Cache.DefaultTTL,
		OpTimeout:  cfg.Cache.OpTimeout,
	})
	distributor := realtime.NewDistributor(rdb, cfg.Redis.Channel, notifications)

	processor, err := service.NewJobProcessor(service.ProcessorDeps{
		Suggestions:           suggestions,
		Votes:                 votes,
		Notifications:         notifications,
		Cache:                 c,
		Jobs:                  registry,
		Notifier:              distributor,
		Mailer:                mail.NewLogMailer(),
		Counter:               analytics.NewCounter(rdb, analytics.DefaultTTL),
		ApprovalThreshold:     cfg.Vote.ApprovalThreshold,
		NotificationRetention: cfg.Notification.Retention,
	})
	if err != nil {
		return nil, err
	}
	voteService, err := service.NewVoteService(suggestions, votes, c, registry, distributor, service.VoteOptions{
		ApprovalThreshold: cfg.Vote.ApprovalThreshold,
		DedupApproval:     cfg.Vote.DedupApproval,
		CountsTTL:         cfg.Cache.VotesTTL,
	})
	if err != nil {
		return nil, err
	}

	scheduler := queue.NewScheduler(registry)
	if _, err := scheduler.Every(cfg.Cleanup.Schedule, queue.PeriodicCleanup{}, queue.JobOptions{}); err != nil {
		return nil, err
	}

	h := handler.NewHandler(voteService, registry, map[string]handler.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	})
	router := api.NewRouter(h, api.RouterOptions{
		ServiceName: cfg.Trace.ServiceName,
		JWTSecret:   cfg.JWT.Secret,
	})

	return &App{
		cfg:       cfg,
		db:        db,
		rdb:       rdb,
		Registry:  registry,
		Votes:     voteService,
		Processor: processor,
		Router:    router,
		scheduler: scheduler,
		server: &http.Server{
			Addr:         ":" + strconv.Itoa(cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		serveErr: make(chan error, 1),
	}, nil
}

// QueueOptions 将配置转换为队列参数
func QueueOptions(cfg config.QueueConfig, prefix string) queue.Options {
	overrides := make(map[queue.Type]queue.Settings)
	for name := range cfg.Overrides {
		t, ok := queue.ParseType(name)
		if !ok {
			logger.Warn("ignoring override for unknown queue", zap.String("queue", name))
			continue
		}
		overrides[t] = settingsFrom(cfg.Tuning(name))
	}
	return queue.Options{
		Prefix:       prefix,
		PollInterval: cfg.PollInterval,
		Lease:        cfg.Lease,
		Defaults:     settingsFrom(cfg.Defaults),
		Overrides:    overrides,
	}
}

func settingsFrom(t config.QueueTuning) queue.Settings {
	return queue.Settings{
		Concurrency:        t.Concurrency,
		RateMax:            t.RateMax,
		RateWindow:         t.RateWindow,
		Attempts:           t.Attempts,
		Backoff:            t.Backoff,
		KeepCompletedAge:   t.KeepCompletedAge,
		KeepCompletedCount: t.KeepCompletedCount,
		KeepFailedAge:      t.KeepFailedAge,
	}
}

// Start 启动 worker、定时任务与 HTTP 服务，不阻塞
func (a *App) Start() error {
	if err := a.Registry.StartWorkers(a.Processor); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	a.scheduler.Start()

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.server.Addr, err)
	}
	a.listener = ln
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- err
		}
		close(a.serveErr)
	}()
	logger.Info("server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr 实际监听地址
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// DB 关系库连接
func (a *App) DB() *gorm.DB { return a.db }

// Errors HTTP 服务异常退出时返回错误
func (a *App) Errors() <-chan error { return a.serveErr }

// Shutdown 依次关闭 HTTP、定时任务、worker 与队列、Redis、数据库
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		var errs []error
		if a.listener != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http: %w", err))
			}
		}

		select {
		case <-a.scheduler.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("scheduler: %w", ctx.Err()))
		}

		if err := a.Registry.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
		if err := database.CloseDB(a.db); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
		a.shutdownErr = errors.Join(errs...)
		logger.Info("shutdown complete", zap.Error(a.shutdownErr))
	})
	return a.shutdownErr
}
