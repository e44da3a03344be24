// Package config loads the job queue's YAML configuration, following
// publisher's config.Load shape: unmarshal, apply defaults, override from
// environment variables, then validate.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jonesrussell/jobqueue/internal/logger"
)

// Driver selects which backend implementation the notifier and peer use.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverRedis    Driver = "redis"
)

// TestingMode selects an alternate, deterministic execution mode for tests
// (§ testing mode), bypassing the normal async producer/notifier dance.
type TestingMode string

const (
	// ModeAsync is the normal, fully concurrent production mode.
	ModeAsync TestingMode = ""
	// ModeInline executes a job synchronously within Insert, never touching
	// the producer/executor machinery.
	ModeInline TestingMode = "inline"
	// ModeManual disables every background loop; a test drives staging,
	// dispatch, and plugins explicitly.
	ModeManual TestingMode = "manual"
)

// Config is the top-level configuration tree.
type Config struct {
	Debug   bool          `yaml:"debug"`
	Node    string        `yaml:"node"`
	Testing TestingMode   `yaml:"testing_mode"`
	Logger  logger.Config `yaml:"logger"`

	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`

	Driver Driver `yaml:"driver"`

	Stage  StageConfig         `yaml:"stage"`
	Queues []QueueConfig       `yaml:"queues"`
	Peer   PeerConfig          `yaml:"peer"`
	Cron   []CronEntryConfig   `yaml:"cron"`
	Pruner PrunerConfig        `yaml:"pruner"`
	Lifeline LifelineConfig    `yaml:"lifeline"`
	Reindexer ReindexerConfig  `yaml:"reindexer"`
	Admin  AdminConfig         `yaml:"admin"`

	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
}

// DatabaseConfig describes the Postgres connection backing the job table.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"ssl_mode"`
	Prefix   string `yaml:"prefix"`
}

// RedisConfig describes the Redis connection used by the Cluster-backed
// notifier/peer variants.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StageConfig governs the staging loop (§4.4).
type StageConfig struct {
	Interval time.Duration `yaml:"interval"`
	Limit    int           `yaml:"limit"`
	Queues   []string      `yaml:"queues"`
}

// QueueConfig describes one producer's initial demand state (§4.5).
type QueueConfig struct {
	Name   string `yaml:"name"`
	Limit  int    `yaml:"limit"`
	Paused bool   `yaml:"paused"`
}

// PeerConfig governs leader election (§4.3).
type PeerConfig struct {
	InstanceName     string        `yaml:"instance_name"`
	ElectionInterval time.Duration `yaml:"election_interval"`
	RenewalBoost     int           `yaml:"renewal_boost"`
}

// CronEntryConfig is one schedule-to-job binding (§4.8).
type CronEntryConfig struct {
	Expression string         `yaml:"expression"`
	Queue      string         `yaml:"queue"`
	Worker     string         `yaml:"worker"`
	Args       map[string]any `yaml:"args"`
}

// PrunerConfig governs the pruner plugin (§4.9).
type PrunerConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
	Limit    int           `yaml:"limit"`
}

// LifelineConfig governs the lifeline plugin (§4.9).
type LifelineConfig struct {
	Interval    time.Duration `yaml:"interval"`
	RescueAfter time.Duration `yaml:"rescue_after"`
}

// ReindexerConfig governs the reindexer plugin (§4.9).
type ReindexerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// AdminConfig governs the admin HTTP server's listen address and timeouts.
type AdminConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultShutdownGracePeriod matches §5's default.
const DefaultShutdownGracePeriod = 15 * time.Second

const (
	defaultAdminAddress      = ":8080"
	defaultAdminReadTimeout  = 10 * time.Second
	defaultAdminWriteTimeout = 30 * time.Second
)

// setDefaults fills in every zero-valued field the spec assigns a default.
func setDefaults(cfg *Config) {
	if cfg.Node == "" {
		cfg.Node = hostnameOrRandom()
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.Prefix == "" {
		cfg.Database.Prefix = "public"
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverPostgres
	}
	if cfg.Admin.Address == "" {
		cfg.Admin.Address = defaultAdminAddress
	}
	if cfg.Admin.ReadTimeout == 0 {
		cfg.Admin.ReadTimeout = defaultAdminReadTimeout
	}
	if cfg.Admin.WriteTimeout == 0 {
		cfg.Admin.WriteTimeout = defaultAdminWriteTimeout
	}
	if cfg.ShutdownGracePeriod == 0 {
		cfg.ShutdownGracePeriod = DefaultShutdownGracePeriod
	}
	if cfg.Peer.InstanceName == "" {
		cfg.Peer.InstanceName = "default"
	}
	cfg.Logger.SetDefaults()
}

// overrideWithEnvVars lets deployment secrets and per-instance identity
// come from the environment rather than the checked-in YAML, mirroring
// publisher's APP_DEBUG/ES_URL/REDIS_URL convention.
func overrideWithEnvVars(cfg *Config) {
	if v := os.Getenv("JOBQUEUE_NODE"); v != "" {
		cfg.Node = v
	}
	if v := os.Getenv("JOBQUEUE_DEBUG"); v != "" {
		cfg.Debug = parseBool(v)
	}
	if v := os.Getenv("JOBQUEUE_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("JOBQUEUE_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("JOBQUEUE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("JOBQUEUE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("JOBQUEUE_ADMIN_ADDRESS"); v != "" {
		cfg.Admin.Address = v
	}
	if v := os.Getenv("JOBQUEUE_DRIVER"); v != "" {
		cfg.Driver = Driver(v)
	}
}

// Validate checks field bounds that setDefaults doesn't itself resolve.
func (c *Config) Validate() error {
	if c.Database.DBName == "" {
		return errors.New("database.dbname is required")
	}
	if c.Driver != DriverPostgres && c.Driver != DriverRedis {
		return fmt.Errorf("driver must be %q or %q, got %q", DriverPostgres, DriverRedis, c.Driver)
	}
	if c.Driver == DriverRedis && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when driver is redis")
	}
	for i, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("queues[%d].name is required", i)
		}
		if q.Limit < 0 {
			return fmt.Errorf("queues[%d].limit must be >= 0", i)
		}
	}
	for i, entry := range c.Cron {
		if entry.Expression == "" {
			return fmt.Errorf("cron[%d].expression is required", i)
		}
		if entry.Worker == "" {
			return fmt.Errorf("cron[%d].worker is required", i)
		}
	}
	return nil
}

// Load reads path, applies defaults, overrides from the environment, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)
	overrideWithEnvVars(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

func hostnameOrRandom() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "jobqueue-node"
}
