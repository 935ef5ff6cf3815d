/*
config.go - Layered server configuration

LOAD ORDER (later wins):
  1. Defaults (Defaults())
  2. Optional config file (YAML, JSON or TOML by extension)
  3. Environment variables, prefix LEDGER_, dots become underscores:
       LEDGER_HTTP_PORT=9090
       LEDGER_STORE_DRIVER=postgres
       LEDGER_QUEUE_KAFKA_BROKERS=kafka-1:9092,kafka-2:9092
       LEDGER_REWARDS_VIEWER_SHARE=0.2

  Command-line flags are applied by cmd/server after Load.

EXAMPLE FILE:
  http:
    port: 8080
  store:
    driver: sqlite
    sqlite_path: ./data/ledger.db
  queue:
    driver: memory
    workers: 8
  rewards:
    interval: 1m
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/castcle/ledger-engine/queue"
	"github.com/castcle/ledger-engine/rewards"
)

const envPrefix = "LEDGER"

type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	Store   StoreConfig   `mapstructure:"store"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Rewards RewardsConfig `mapstructure:"rewards"`
	Log     LogConfig     `mapstructure:"log"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// StoreConfig selects the ledger backend: memory, sqlite or postgres.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`

	// SeedFile is a JSON chart/campaign file (factory.SeedJSON). Empty
	// seeds the default chart only.
	SeedFile string `mapstructure:"seed_file"`
}

// QueueConfig selects the verification queue: memory or kafka.
type QueueConfig struct {
	Driver      string        `mapstructure:"driver"`
	Capacity    int           `mapstructure:"capacity"`
	Workers     int           `mapstructure:"workers"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Kafka       KafkaConfig   `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	GroupID      string   `mapstructure:"group_id"`
	ResultsTopic string   `mapstructure:"results_topic"`
}

// RewardsConfig drives the reward distribution scheduler. Shares are
// decimal strings so they sum exactly. MaxPayoutAttempts caps FAILED payouts
// per placement; 0 disables the cap.
type RewardsConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Interval          time.Duration `mapstructure:"interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	Parallelism       int           `mapstructure:"parallelism"`
	RatePerSecond     float64       `mapstructure:"rate_per_second"`
	MaxPayoutAttempts int           `mapstructure:"max_payout_attempts"`
	ViewerShare       string        `mapstructure:"viewer_share"`
	CreatorShare      string        `mapstructure:"creator_share"`
	FarmingShare      string        `mapstructure:"farming_share"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() map[string]any {
	return map[string]any{
		"http.port":             8080,
		"http.shutdown_timeout": 30 * time.Second,
		"http.allowed_origins":  []string{"*"},

		"store.driver":       "sqlite",
		"store.sqlite_path":  "ledger.db",
		"store.postgres_dsn": "",
		"store.seed_file":    "",

		"queue.driver":              "memory",
		"queue.capacity":            1024,
		"queue.workers":             4,
		"queue.job_timeout":         30 * time.Second,
		"queue.max_attempts":        5,
		"queue.kafka.brokers":       []string{},
		"queue.kafka.topic":         "ledger.transactions",
		"queue.kafka.group_id":      "ledger-verifier",
		"queue.kafka.results_topic": "ledger.transactions.results",

		"rewards.enabled":             true,
		"rewards.interval":            time.Minute,
		"rewards.batch_size":          100,
		"rewards.parallelism":         4,
		"rewards.rate_per_second":     50.0,
		"rewards.max_payout_attempts": 5,
		"rewards.viewer_share":        "0.1",
		"rewards.creator_share":       "0.5",
		"rewards.farming_share":       "0.4",

		"log.level":  "info",
		"log.format": "json",
	}
}

// Load reads defaults, then path (if non-empty), then LEDGER_* variables.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Queue.Driver {
	case "memory":
	case "kafka":
		if len(c.Queue.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("queue.kafka.brokers is required for the kafka driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue.driver %q", c.Queue.Driver))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, errors.New("queue.workers must be positive"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("queue.max_attempts must be positive"))
	}

	if c.Rewards.Enabled && c.Rewards.Interval <= 0 {
		errs = append(errs, errors.New("rewards.interval must be positive"))
	}
	if c.Rewards.MaxPayoutAttempts < 0 {
		errs = append(errs, errors.New("rewards.max_payout_attempts must not be negative"))
	}
	if _, err := c.Rewards.Shares(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Shares parses and validates the configured reward split.
func (r RewardsConfig) Shares() (rewards.Shares, error) {
	var s rewards.Shares
	var err error
	if s.Viewer, err = decimal.NewFromString(r.ViewerShare); err != nil {
		return rewards.Shares{}, fmt.Errorf("rewards.viewer_share: %w", err)
	}
	if s.Creator, err = decimal.NewFromString(r.CreatorShare); err != nil {
		return rewards.Shares{}, fmt.Errorf("rewards.creator_share: %w", err)
	}
	if s.Farming, err = decimal.NewFromString(r.FarmingShare); err != nil {
		return rewards.Shares{}, fmt.Errorf("rewards.farming_share: %w", err)
	}
	if err := s.Validate(); err != nil {
		return rewards.Shares{}, fmt.Errorf("rewards shares %s/%s/%s: %w", r.ViewerShare, r.CreatorShare, r.FarmingShare, err)
	}
	return s, nil
}

// KafkaQueue converts the queue section for queue.NewKafka.
func (q QueueConfig) KafkaQueue() queue.KafkaConfig {
	return queue.KafkaConfig{
		Brokers:      q.Kafka.Brokers,
		Topic:        q.Kafka.Topic,
		GroupID:      q.Kafka.GroupID,
		ResultsTopic: q.Kafka.ResultsTopic,
		MaxAttempts:  q.MaxAttempts,
	}
}
