// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/socialwatch/sentinel/internal/classify"
	"github.com/socialwatch/sentinel/internal/logging"
	"github.com/socialwatch/sentinel/internal/notify"
	"github.com/socialwatch/sentinel/internal/notify/sinks"
	"github.com/socialwatch/sentinel/internal/notify/websocket"
	"github.com/socialwatch/sentinel/internal/oracle/anthropic"
	"github.com/socialwatch/sentinel/internal/ratelimit"
	"github.com/socialwatch/sentinel/internal/scheduler"
	"github.com/socialwatch/sentinel/internal/session"
	"github.com/socialwatch/sentinel/internal/source/httpapi"
	"github.com/socialwatch/sentinel/internal/storage"
	"github.com/socialwatch/sentinel/internal/store/mongo"
	"github.com/socialwatch/sentinel/internal/store/postgres"
	"github.com/socialwatch/sentinel/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. SENTINEL_SERVER_PORT.
const EnvPrefix = "SENTINEL"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Logging    logging.Config    `mapstructure:"logging"`
	Session    session.Config    `mapstructure:"session"`
	Source     httpapi.Config    `mapstructure:"source"`
	RateLimit  ratelimit.Config  `mapstructure:"rate_limit"`
	Scheduler  scheduler.Config  `mapstructure:"scheduler"`
	Classifier classify.Config   `mapstructure:"classifier"`
	Oracle     anthropic.Config  `mapstructure:"oracle"`
	Rules      RulesConfig       `mapstructure:"rules"`
	Notify     NotifyConfig      `mapstructure:"notify"`
	Store      StoreConfig       `mapstructure:"store"`
	Archive    storage.Config    `mapstructure:"archive"`
	PubSub     PubSubConfig      `mapstructure:"pubsub"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Kafka      sinks.KafkaConfig `mapstructure:"kafka"`
	Slack      SlackConfig       `mapstructure:"slack"`
	Telegram   TelegramConfig    `mapstructure:"telegram"`
	Tracing    telemetry.Config  `mapstructure:"tracing"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	APIKey          string        `mapstructure:"api_key"`
}

// RulesConfig points at the optional YAML seed file.
type RulesConfig struct {
	SeedFile string `mapstructure:"seed_file"`
}

// NotifyConfig tunes the fan-out hub and alert redelivery.
type NotifyConfig struct {
	Hub                notify.Config       `mapstructure:"hub"`
	Outbox             notify.OutboxConfig `mapstructure:"outbox"`
	RedeliverySchedule string              `mapstructure:"redelivery_schedule"`
	WebSocket          websocket.Config    `mapstructure:"websocket"`
	LogEvents          bool                `mapstructure:"log_events"`
	Metrics            bool                `mapstructure:"metrics"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend  string          `mapstructure:"backend"`
	Postgres postgres.Config `mapstructure:"postgres"`
	Mongo    mongo.Config    `mapstructure:"mongo"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RedisConfig enables the Redis pub/sub sink when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// SlackConfig enables the Slack channel when Token is set.
type SlackConfig struct {
	Token          string `mapstructure:"token"`
	APIURL         string `mapstructure:"api_url"`
	DefaultChannel string `mapstructure:"default_channel"`
}

// TelegramConfig enables the Telegram channel when Token is set.
type TelegramConfig struct {
	Token       string `mapstructure:"token"`
	ServerURL   string `mapstructure:"server_url"`
	DefaultChat string `mapstructure:"default_chat"`
}

// Load reads .env (when present), then the config file at path, then
// SENTINEL_* environment variables.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("server.api_key", "")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file.path", "")

	v.SetDefault("session.max_attempts", 3)
	v.SetDefault("session.initial_backoff", "30s")
	v.SetDefault("session.backoff_factor", 1.5)
	v.SetDefault("session.max_backoff", "5m")

	v.SetDefault("source.base_url", "")
	v.SetDefault("source.username", "")
	v.SetDefault("source.password", "")
	v.SetDefault("source.timeout", "30s")

	v.SetDefault("rate_limit.default.rps", 1)
	v.SetDefault("rate_limit.default.burst", 1)
	v.SetDefault("rate_limit.buckets.source.rps", 0.5)
	v.SetDefault("rate_limit.buckets.source.burst", 1)
	v.SetDefault("rate_limit.buckets.oracle.rps", 0.5)
	v.SetDefault("rate_limit.buckets.oracle.burst", 1)

	v.SetDefault("scheduler.default_ceiling", 200)
	v.SetDefault("scheduler.default_interval", "15m")
	v.SetDefault("scheduler.terms.keywords", 3)
	v.SetDefault("scheduler.terms.hashtags", 2)
	v.SetDefault("scheduler.terms.total", 5)
	v.SetDefault("scheduler.per_term_max", 50)
	v.SetDefault("scheduler.tick_timeout", "10m")
	v.SetDefault("scheduler.recovery_wave", 5)
	v.SetDefault("scheduler.recovery_stagger", "10s")
	v.SetDefault("scheduler.recovery_wave_gap", "1m")

	v.SetDefault("classifier.batch_size", 10)
	v.SetDefault("classifier.item_delay", "2s")
	v.SetDefault("classifier.item_timeout", "30s")
	v.SetDefault("classifier.backlog_page_size", 100)
	v.SetDefault("classifier.backlog_max_pages", 20)
	v.SetDefault("classifier.recent_window", "10m")
	v.SetDefault("classifier.handoff_delay", "5s")
	v.SetDefault("classifier.sweep_schedule", "@every 1m")

	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.model", "")
	v.SetDefault("oracle.max_retries", 2)
	v.SetDefault("oracle.timeout", "30s")

	v.SetDefault("rules.seed_file", "")

	v.SetDefault("notify.hub.buffer_size", 4096)
	v.SetDefault("notify.hub.max_batch_events", 100)
	v.SetDefault("notify.hub.max_batch_wait", "250ms")
	v.SetDefault("notify.hub.sink_timeout", "10s")
	v.SetDefault("notify.outbox.grace", "2m")
	v.SetDefault("notify.outbox.batch_size", 100)
	v.SetDefault("notify.redelivery_schedule", "@every 1m")
	v.SetDefault("notify.log_events", true)
	v.SetDefault("notify.metrics", true)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("store.mongo.uri", "")
	v.SetDefault("store.mongo.database", "sentinel")

	v.SetDefault("archive.backend", "none")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "sentinel")
	v.SetDefault("kafka.topic", "sentinel-events")
	v.SetDefault("slack.token", "")
	v.SetDefault("telegram.token", "")
	v.SetDefault("tracing.service_name", "sentinel")
	v.SetDefault("tracing.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.Oracle.APIKey == "" {
		return fmt.Errorf("oracle.api_key is required")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
		}
	case "mongo":
		if c.Store.Mongo.URI == "" {
			return fmt.Errorf("store.mongo.uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, postgres, mongo", c.Store.Backend)
	}
	if c.Scheduler.Terms.Total < 1 {
		return fmt.Errorf("scheduler.terms.total must be >= 1")
	}
	if c.Scheduler.DefaultCeiling < 1 {
		return fmt.Errorf("scheduler.default_ceiling must be >= 1")
	}
	if c.Classifier.BatchSize < 1 {
		return fmt.Errorf("classifier.batch_size must be >= 1")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is")
	}
	return nil
}
