// Package config loads the server configuration from an optional YAML file
// and DELTA_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory    = "memory"
	BackendSQL       = "sql"
	BackendFirestore = "firestore"
	BackendRedis     = "redis"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Store struct {
		Backend          string        `mapstructure:"backend"`
		SQLDriver        string        `mapstructure:"sql_driver"`
		DSN              string        `mapstructure:"dsn"`
		FirestoreProject string        `mapstructure:"firestore_project"`
		RedisAddr        string        `mapstructure:"redis_addr"`
		RedisPassword    string        `mapstructure:"redis_password"`
		FlushInterval    time.Duration `mapstructure:"flush_interval"`
	} `mapstructure:"store"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	CORS struct {
		AllowOrigins []string `mapstructure:"allow_origins"`
	} `mapstructure:"cors"`
}

// Every key needs a default so that AutomaticEnv can override it on Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.sql_driver", "sqlite3")
	v.SetDefault("store.dsn", "data/delta.db")
	v.SetDefault("store.firestore_project", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.flush_interval", 2*time.Second)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "delta-ops")
	v.SetDefault("cors.allow_origins", []string{"*"})
}

// Load reads path if it is not empty, applies environment overrides such as
// DELTA_STORE_BACKEND, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DELTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the selected backend depends on.
func (c *Config) Validate() error {
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Running.Port)
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQL:
		if c.Store.SQLDriver != "sqlite3" && c.Store.SQLDriver != "mysql" {
			return fmt.Errorf("unsupported sql driver %q", c.Store.SQLDriver)
		}
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the sql backend")
		}
	case BackendFirestore:
		if c.Store.FirestoreProject == "" {
			return errors.New("store.firestore_project is required for the firestore backend")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend != BackendMemory && c.Store.FlushInterval <= 0 {
		return fmt.Errorf("invalid flush interval %s", c.Store.FlushInterval)
	}
	return nil
}
