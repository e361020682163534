// Package config loads service configuration from config.yaml, .env and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Events      EventsConfig      `mapstructure:"events"`
	Finance     FinanceConfig     `mapstructure:"finance"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Definitions DefinitionsConfig `mapstructure:"definitions"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig selects the storage driver. "memory" keeps everything in
// process and is meant for local runs only.
type DatabaseConfig struct {
	Driver      string        `mapstructure:"driver"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"sslmode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
	AutoMigrate bool          `mapstructure:"auto_migrate"`
	// MemoryEntities is a YAML file of governed entities loaded by the
	// memory driver.
	MemoryEntities string `mapstructure:"memory_entities"`
}

// DSN renders a postgres connection URL.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

type AuthConfig struct {
	JWTSecret  string   `mapstructure:"jwt_secret"`
	Issuer     string   `mapstructure:"issuer"`
	AdminRoles []string `mapstructure:"admin_roles"`
}

// EventsConfig selects where approval events go: nats, redis or none.
type EventsConfig struct {
	Driver        string `mapstructure:"driver"`
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisChannel  string `mapstructure:"redis_channel"`
}

// FinanceConfig points at the finance service. An empty GRPCURL records
// finance transactions in the local database instead.
type FinanceConfig struct {
	GRPCURL           string        `mapstructure:"grpc_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	BreakerMaxFails   uint32        `mapstructure:"breaker_max_fails"`
	BreakerOpenPeriod time.Duration `mapstructure:"breaker_open_period"`
}

type SyncConfig struct {
	Attempts        uint          `mapstructure:"attempts"`
	Delay           time.Duration `mapstructure:"delay"`
	MaxReplayTries  int           `mapstructure:"max_replay_tries"`
	ReplayBatchSize int           `mapstructure:"replay_batch_size"`
}

type SchedulerConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	OverdueSpec      string `mapstructure:"overdue_spec"`
	SideEffectsSpec  string `mapstructure:"side_effects_spec"`
	OverdueBatchSize int    `mapstructure:"overdue_batch_size"`
}

type DefinitionsConfig struct {
	SeedFile string        `mapstructure:"seed_file"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads .env (if present), then config.yaml from . or ./configs, then
// environment overrides such as DATABASE_HOST or SERVER_PORT.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail later at startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	switch c.Events.Driver {
	case "nats", "redis", "none":
	default:
		return fmt.Errorf("events.driver must be nats, redis or none, got %q", c.Events.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-erp-approvals")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "erp")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.memory_entities", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.admin_roles", []string{"admin"})

	v.SetDefault("events.driver", "none")
	v.SetDefault("events.nats_url", "nats://localhost:4222")
	v.SetDefault("events.subject_prefix", "notifications.approvals")
	v.SetDefault("events.redis_addr", "localhost:6379")
	v.SetDefault("events.redis_password", "")
	v.SetDefault("events.redis_db", 0)
	v.SetDefault("events.redis_channel", "erp:approvals:events")

	v.SetDefault("finance.grpc_url", "")
	v.SetDefault("finance.timeout", 5*time.Second)
	v.SetDefault("finance.breaker_max_fails", 5)
	v.SetDefault("finance.breaker_open_period", 30*time.Second)

	v.SetDefault("sync.attempts", 3)
	v.SetDefault("sync.delay", 200*time.Millisecond)
	v.SetDefault("sync.max_replay_tries", 10)
	v.SetDefault("sync.replay_batch_size", 50)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.overdue_spec", "@every 15m")
	v.SetDefault("scheduler.side_effects_spec", "@every 5m")
	v.SetDefault("scheduler.overdue_batch_size", 200)

	v.SetDefault("definitions.seed_file", "configs/workflows.yaml")
	v.SetDefault("definitions.cache_ttl", 5*time.Minute)

	v.SetDefault("ratelimit.requests_per_second", 20.0)
	v.SetDefault("ratelimit.burst", 40)

	v.SetDefault("tracing.enabled", false)

	v.SetDefault("log.level", "info")
}
