package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var errMissingJWTSecret = errors.New("invalid config: jwt.secret is required in release mode")

// Config 应用配置
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Vote         VoteConfig         `mapstructure:"vote"`
	Notification NotificationConfig `mapstructure:"notification"`
	Cleanup      CleanupConfig      `mapstructure:"cleanup"`
	Log          LogConfig          `mapstructure:"log"`
	Trace        TraceConfig        `mapstructure:"trace"`
	Sentry       SentryConfig       `mapstructure:"sentry"`
	JWT          JWTConfig          `mapstructure:"jwt"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"gt=0,lt=65536"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig 关系库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig 缓存与队列共用的 Redis 连接
type RedisConfig struct {
	URL         string `mapstructure:"url" validate:"required"`
	CachePrefix string `mapstructure:"cache_prefix" validate:"required"`
	QueuePrefix string `mapstructure:"queue_prefix" validate:"required"`
	Channel     string `mapstructure:"channel_prefix" validate:"required"`
}

// QueueTuning 单个队列的 worker 参数
type QueueTuning struct {
	Concurrency        int           `mapstructure:"concurrency" validate:"gte=1"`
	RateMax            int           `mapstructure:"rate_max" validate:"gte=1"`
	RateWindow         time.Duration `mapstructure:"rate_window" validate:"gt=0"`
	Attempts           int           `mapstructure:"attempts" validate:"gte=1"`
	Backoff            time.Duration `mapstructure:"backoff" validate:"gte=0"`
	KeepCompletedAge   time.Duration `mapstructure:"keep_completed_age" validate:"gt=0"`
	KeepCompletedCount int           `mapstructure:"keep_completed_count" validate:"gte=0"`
	KeepFailedAge      time.Duration `mapstructure:"keep_failed_age" validate:"gt=0"`
}

// QueueConfig 队列默认参数，Overrides 按 job 类型覆盖
type QueueConfig struct {
	Defaults     QueueTuning            `mapstructure:"defaults"`
	Overrides    map[string]QueueTuning `mapstructure:"overrides"`
	PollInterval time.Duration          `mapstructure:"poll_interval" validate:"gt=0"`
	Lease        time.Duration          `mapstructure:"lease" validate:"gt=0"`
}

// CacheConfig 缓存 TTL
type CacheConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl" validate:"gt=0"`
	VotesTTL   time.Duration `mapstructure:"votes_ttl" validate:"gt=0"`
	OpTimeout  time.Duration `mapstructure:"op_timeout" validate:"gt=0"`
}

// VoteConfig 自动审核阈值
type VoteConfig struct {
	ApprovalThreshold int64 `mapstructure:"approval_threshold" validate:"gt=0"`
	DedupApproval     bool  `mapstructure:"dedup_approval"`
}

// NotificationConfig 已读通知保留时长
type NotificationConfig struct {
	Retention time.Duration `mapstructure:"retention" validate:"gt=0"`
}

// CleanupConfig 定时清理任务
type CleanupConfig struct {
	Schedule string `mapstructure:"schedule" validate:"required"`
}

// LogConfig 日志
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// TraceConfig OpenTelemetry 导出
type TraceConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name" validate:"required"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// SentryConfig 崩溃上报，DSN 为空时关闭
type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

// JWTConfig 身份解析，Secret 为空时信任 X-User-ID，release 模式下必须配置
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 20*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=postgres port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.cache_prefix", "cache:")
	v.SetDefault("redis.queue_prefix", "queue")
	v.SetDefault("redis.channel_prefix", "realtime:")

	v.SetDefault("queue.defaults.concurrency", 5)
	v.SetDefault("queue.defaults.rate_max", 10)
	v.SetDefault("queue.defaults.rate_window", time.Second)
	v.SetDefault("queue.defaults.attempts", 3)
	v.SetDefault("queue.defaults.backoff", 2*time.Second)
	v.SetDefault("queue.defaults.keep_completed_age", 24*time.Hour)
	v.SetDefault("queue.defaults.keep_completed_count", 1000)
	v.SetDefault("queue.defaults.keep_failed_age", 7*24*time.Hour)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.lease", 30*time.Second)

	v.SetDefault("cache.default_ttl", time.Hour)
	v.SetDefault("cache.votes_ttl", 5*time.Minute)
	v.SetDefault("cache.op_timeout", 250*time.Millisecond)

	v.SetDefault("vote.approval_threshold", 10)
	v.SetDefault("vote.dedup_approval", false)

	v.SetDefault("notification.retention", 30*24*time.Hour)
	v.SetDefault("cleanup.schedule", "0 3 * * *")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("trace.enabled", false)
	v.SetDefault("trace.endpoint", "localhost:4318")
	v.SetDefault("trace.insecure", true)
	v.SetDefault("trace.service_name", "suggestion-votes")
	v.SetDefault("trace.sample_ratio", 1.0)

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")
	v.SetDefault("jwt.secret", "")
}

// Load 读取 config.yaml（可选）与 APP_ 前缀环境变量
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Server.Mode == "release" && c.JWT.Secret == "" {
		return errMissingJWTSecret
	}
	return nil
}

// Tuning 返回指定队列的参数，未覆盖的字段沿用默认值
func (q QueueConfig) Tuning(name string) QueueTuning {
	t := q.Defaults
	o, ok := q.Overrides[name]
	if !ok {
		return t
	}
	if o.Concurrency > 0 {
		t.Concurrency = o.Concurrency
	}
	if o.RateMax > 0 {
		t.RateMax = o.RateMax
	}
	if o.RateWindow > 0 {
		t.RateWindow = o.RateWindow
	}
	if o.Attempts > 0 {
		t.Attempts = o.Attempts
	}
	if o.Backoff > 0 {
		t.Backoff = o.Backoff
	}
	if o.KeepCompletedAge > 0 {
		t.KeepCompletedAge = o.KeepCompletedAge
	}
	if o.KeepCompletedCount > 0 {
		t.KeepCompletedCount = o.KeepCompletedCount
	}
	if o.KeepFailedAge > 0 {
		t.KeepFailedAge = o.KeepFailedAge
	}
	return t
}
