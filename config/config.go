// Package config loads ledgerd settings from the environment and an
// optional config.env file through Viper. Environment variables win.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig
	HTTP     HTTPConfig
	Store    StoreConfig
	Cache    CacheConfig
	Conflict ConflictConfig
	Kafka    KafkaConfig
	Snapshot SnapshotConfig
}

// AppConfig general settings.
type AppConfig struct {
	Env      string // development, staging, production
	Name     string
	LogLevel string
}

type HTTPConfig struct {
	Host string
	Port int
}

// Addr returns host:port.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type StoreConfig struct {
	Driver      string
	SQLitePath  string
	DatabaseURL string
}

// CacheConfig: RedisAddr empty means an in-process cache.
type CacheConfig struct {
	RedisAddr string
	Staleness time.Duration
}

type ConflictConfig struct {
	ScanInterval time.Duration
	// BackorderMax enables automatic BACKORDER for shortfalls up to this
	// many units. Zero leaves every conflict to a human.
	BackorderMax int64
}

// KafkaConfig: no brokers means no order listener.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type SnapshotConfig struct {
	Settle   time.Duration
	Interval time.Duration // 0 disables periodic snapshots
}

// Load reads the configuration. Expected names: APP_ENV, LOG_LEVEL,
// HTTP_PORT, STORE_DRIVER, SQLITE_PATH, DATABASE_URL, REDIS_ADDR, ...
func Load() (*Config, error) {
	v := viper.New()

	// Optional config.env next to the binary or in ./config
	v.SetConfigName("config")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "stock-ledger")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "ledger.db")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("CACHE_STALENESS", "2s")
	v.SetDefault("SCAN_INTERVAL", "5m")
	v.SetDefault("BACKORDER_MAX", 0)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "orders")
	v.SetDefault("KAFKA_GROUP_ID", "stock-ledger")
	v.SetDefault("SNAPSHOT_SETTLE", "1m")
	v.SetDefault("SNAPSHOT_INTERVAL", "0")
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Env:      v.GetString("APP_ENV"),
			Name:     v.GetString("APP_NAME"),
			LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		},
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(v.GetString("STORE_DRIVER")),
			SQLitePath:  v.GetString("SQLITE_PATH"),
			DatabaseURL: v.GetString("DATABASE_URL"),
		},
		Cache: CacheConfig{
			RedisAddr: v.GetString("REDIS_ADDR"),
			Staleness: v.GetDuration("CACHE_STALENESS"),
		},
		Conflict: ConflictConfig{
			ScanInterval: v.GetDuration("SCAN_INTERVAL"),
			BackorderMax: v.GetInt64("BACKORDER_MAX"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
			GroupID: v.GetString("KAFKA_GROUP_ID"),
		},
		Snapshot: SnapshotConfig{
			Settle:   v.GetDuration("SNAPSHOT_SETTLE"),
			Interval: v.GetDuration("SNAPSHOT_INTERVAL"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks combinations Viper cannot.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("config: SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q (memory, sqlite, postgres)", c.Store.Driver)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: invalid HTTP_PORT %d", c.HTTP.Port)
	}
	if c.Conflict.ScanInterval <= 0 {
		return fmt.Errorf("config: SCAN_INTERVAL must be positive")
	}
	if c.Cache.Staleness < 0 || c.Snapshot.Settle < 0 || c.Conflict.BackorderMax < 0 {
		return fmt.Errorf("config: CACHE_STALENESS, SNAPSHOT_SETTLE and BACKORDER_MAX must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
