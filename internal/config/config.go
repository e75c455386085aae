package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/azizikri/coupon-redemption/internal/logger"
	"github.com/spf13/viper"
)

type Config struct {
	AppPort string `mapstructure:"app_port"`
	AppMode string `mapstructure:"app_mode"`

	DB       DBConfig       `mapstructure:"db"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Log      LogConfig      `mapstructure:"log"`
	Claim    ClaimConfig    `mapstructure:"claim"`
	Expiry   ExpiryConfig   `mapstructure:"expiry"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Terminal TerminalConfig `mapstructure:"terminal"`
}

type DBConfig struct {
	// Driver is "postgres" or "memory".
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	// MigrationsDir holds *.up.sql files applied at startup.
	MigrationsDir string `mapstructure:"migrations_dir"`
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

type KafkaConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Brokers           string `mapstructure:"brokers"`
	ClientID          string `mapstructure:"client_id"`
	TopicPartitions   int    `mapstructure:"topic_partitions"`
	ReplicationFactor int    `mapstructure:"replication_factor"`
}

func (c KafkaConfig) BrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (c KafkaConfig) Partitions() int32 {
	return int32(positiveOr(c.TopicPartitions, 3))
}

func (c KafkaConfig) Replication() int16 {
	return int16(positiveOr(c.ReplicationFactor, 1))
}

// QueueConfig configures the asynq scheduler/worker that runs the periodic
// expiry sweep.
type QueueConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	RedisAddr   string `mapstructure:"redis_addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	Concurrency int    `mapstructure:"concurrency"`
}

type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func (c LogConfig) ToLoggerOptions() logger.Options {
	return logger.Options{
		Dir:        c.Dir,
		Filename:   c.Filename,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// ClaimConfig holds the repeat-claim policy. All limits are off by default.
type ClaimConfig struct {
	OnePerUser    bool          `mapstructure:"one_per_user"`
	OnePerDevice  bool          `mapstructure:"one_per_device"`
	StoreCooldown time.Duration `mapstructure:"store_cooldown"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
}

type ExpiryConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// TerminalConfig configures the merchant device agent.
type TerminalConfig struct {
	ServerURL     string        `mapstructure:"server_url"`
	StoreID       int64         `mapstructure:"store_id"`
	ActorID       string        `mapstructure:"actor_id"`
	QueuePath     string        `mapstructure:"queue_path"`
	SyncInterval  time.Duration `mapstructure:"sync_interval"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

var envBindings = map[string]string{
	"app_port":                 "APP_PORT",
	"app_mode":                 "APP_MODE",
	"db.driver":                "DB_DRIVER",
	"db.host":                  "DB_HOST",
	"db.port":                  "DB_PORT",
	"db.user":                  "DB_USER",
	"db.password":              "DB_PASSWORD",
	"db.name":                  "DB_NAME",
	"db.sslmode":               "DB_SSLMODE",
	"db.migrations_dir":        "DB_MIGRATIONS_DIR",
	"kafka.enabled":            "EVENT_DRIVEN_ENABLED",
	"kafka.brokers":            "KAFKA_BROKERS",
	"kafka.client_id":          "KAFKA_CLIENT_ID",
	"kafka.topic_partitions":   "KAFKA_TOPIC_PARTITIONS",
	"kafka.replication_factor": "KAFKA_REPLICATION_FACTOR",
	"queue.enabled":            "QUEUE_ENABLED",
	"queue.redis_addr":         "QUEUE_REDIS_ADDR",
	"queue.password":           "QUEUE_REDIS_PASSWORD",
	"queue.db":                 "QUEUE_REDIS_DB",
	"queue.concurrency":        "QUEUE_CONCURRENCY",
	"log.dir":                  "LOG_DIR",
	"claim.one_per_user":       "CLAIM_ONE_PER_USER",
	"claim.one_per_device":     "CLAIM_ONE_PER_DEVICE",
	"claim.store_cooldown":     "CLAIM_STORE_COOLDOWN",
	"claim.rate_per_minute":    "CLAIM_RATE_PER_MINUTE",
	"expiry.sweep_interval":    "EXPIRY_SWEEP_INTERVAL",
	"outbox.poll_interval":     "OUTBOX_POLL_INTERVAL",
	"outbox.batch_size":        "OUTBOX_BATCH_SIZE",
	"terminal.server_url":      "TERMINAL_SERVER_URL",
	"terminal.store_id":        "TERMINAL_STORE_ID",
	"terminal.actor_id":        "TERMINAL_ACTOR_ID",
	"terminal.queue_path":      "TERMINAL_QUEUE_PATH",
	"terminal.sync_interval":   "TERMINAL_SYNC_INTERVAL",
	"terminal.check_interval":  "TERMINAL_CHECK_INTERVAL",
	"terminal.timeout":         "TERMINAL_TIMEOUT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_port", "8080")
	v.SetDefault("app_mode", "release")

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.name", "coupondb")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.migrations_dir", "db/migrations")

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", "kafka:9092")
	v.SetDefault("kafka.client_id", "coupon-service")
	v.SetDefault("kafka.topic_partitions", 3)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.redis_addr", "127.0.0.1:6379")
	v.SetDefault("queue.concurrency", 2)

	v.SetDefault("claim.one_per_user", false)
	v.SetDefault("claim.one_per_device", false)
	v.SetDefault("claim.store_cooldown", "0s")
	v.SetDefault("claim.rate_per_minute", 10)

	v.SetDefault("expiry.sweep_interval", "5m")
	v.SetDefault("outbox.poll_interval", "1s")
	v.SetDefault("outbox.batch_size", 100)

	v.SetDefault("terminal.server_url", "http://localhost:8080")
	v.SetDefault("terminal.queue_path", "terminal-queue.db")
	v.SetDefault("terminal.sync_interval", "30s")
	v.SetDefault("terminal.check_interval", "5s")
	v.SetDefault("terminal.timeout", "5s")
}

// Load reads config.yaml (when present, or the file named by CONFIG_FILE) and
// overlays environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
