// Package config loads and validates scan engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scanengine/internal/policy"
)

// Driver names shared by the store, queue and cache sections.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Store     StoreConfig     `mapstructure:"store"`
	DB        DBConfig        `mapstructure:"db"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Slug      SlugConfig      `mapstructure:"slug"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// AuthConfig names the header that identifies callers for admission.
type AuthConfig struct {
	IdentityHeader string `mapstructure:"identity_header"`
}

// StoreConfig selects the record store engine.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SQLiteConfig locates the sqlite database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// QueueConfig selects and tunes the job queue.
type QueueConfig struct {
	Driver       string        `mapstructure:"driver"`
	Capacity     int           `mapstructure:"capacity"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// CacheConfig selects the status cache.
type CacheConfig struct {
	Driver    string        `mapstructure:"driver"`
	StatusTTL time.Duration `mapstructure:"status_ttl"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// DedupConfig sets the freshness window for reusing results.
type DedupConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// SlugConfig controls public slug generation.
type SlugConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	Length      int `mapstructure:"length"`
}

// WorkerConfig controls the in-process worker pool.
type WorkerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Concurrency int           `mapstructure:"concurrency"`
	StepDelay   time.Duration `mapstructure:"step_delay"`
	// Dequeue failures back off from BackoffBase, doubling up to BackoffMax.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// PolicyConfig selects the admission policy.
type PolicyConfig struct {
	Mode  string  `mapstructure:"mode"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
// Notifications are disabled when ProjectID is empty.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName    string  `mapstructure:"service_name"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	// ProjectID enables export to Cloud Trace; empty keeps spans in-process.
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCANENGINE")
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
	v.SetDefault("server.request_timeout", 15*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("auth.identity_header", "X-API-Key")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("sqlite.path", "scanengine.db")
	v.SetDefault("queue.driver", DriverMemory)
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)
	v.SetDefault("cache.driver", DriverMemory)
	v.SetDefault("cache.status_ttl", 60*time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "scanengine:")
	v.SetDefault("dedup.window", 24*time.Hour)
	v.SetDefault("slug.max_attempts", 5)
	v.SetDefault("slug.length", 10)
	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.step_delay", 500*time.Millisecond)
	v.SetDefault("worker.backoff_base", 100*time.Millisecond)
	v.SetDefault("worker.backoff_max", 5*time.Second)
	v.SetDefault("policy.mode", policy.ModeUnrestricted)
	v.SetDefault("policy.rps", 1.0)
	v.SetDefault("policy.burst", 10)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "scan-jobs")
	v.SetDefault("telemetry.service_name", "scanengine")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Driver {
	case DriverMemory, DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("store.driver must be one of memory, postgres, sqlite")
	}
	if c.Store.Driver == DriverSQLite && c.SQLite.Path == "" {
		return fmt.Errorf("sqlite.path must be set when store.driver is sqlite")
	}
	switch c.Queue.Driver {
	case DriverMemory, DriverPostgres:
	default:
		return fmt.Errorf("queue.driver must be one of memory, postgres")
	}
	if c.UsesPostgres() && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when a postgres driver is selected")
	}
	// scan_jobs.scan_id references scans(id).
	if c.Queue.Driver == DriverPostgres && c.Store.Driver != DriverPostgres {
		return fmt.Errorf("queue.driver postgres requires store.driver postgres")
	}
	if c.Queue.Driver == DriverMemory && c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	if c.Queue.Driver == DriverPostgres && c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue.poll_interval must be > 0")
	}
	switch c.Cache.Driver {
	case DriverMemory, DriverRedis:
	default:
		return fmt.Errorf("cache.driver must be one of memory, redis")
	}
	if c.Cache.Driver == DriverRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when cache.driver is redis")
	}
	if c.Cache.StatusTTL <= 0 {
		return fmt.Errorf("cache.status_ttl must be > 0")
	}
	if c.Dedup.Window <= 0 {
		return fmt.Errorf("dedup.window must be > 0")
	}
	if c.Slug.MaxAttempts <= 0 {
		return fmt.Errorf("slug.max_attempts must be > 0")
	}
	if c.Slug.Length < 6 || c.Slug.Length > 26 {
		return fmt.Errorf("slug.length must be between 6 and 26")
	}
	if c.Worker.Enabled && c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 when workers are enabled")
	}
	if c.Worker.Enabled && c.Worker.BackoffBase <= 0 {
		return fmt.Errorf("worker.backoff_base must be > 0 when workers are enabled")
	}
	if c.Worker.Enabled && c.Worker.BackoffMax < c.Worker.BackoffBase {
		return fmt.Errorf("worker.backoff_max must be >= worker.backoff_base")
	}
	if err := policy.ValidateMode(c.Policy.Mode); err != nil {
		return fmt.Errorf("policy.mode: %w", err)
	}
	if c.Policy.Mode == policy.ModePerIdentityQuota && c.Policy.Burst <= 0 {
		return fmt.Errorf("policy.burst must be > 0 for per_identity_quota")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}

// UsesPostgres reports whether any component needs the Postgres pool.
func (c Config) UsesPostgres() bool {
	return c.Store.Driver == DriverPostgres || c.Queue.Driver == DriverPostgres
}
