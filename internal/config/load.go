package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// JOBCORE_SERVER_PORT for server.port.
const EnvPrefix = "JOBCORE"

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/jobcore")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the rules that span sections.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Drivers.Store == "postgres" && cfg.Database.URL == "" {
		return fmt.Errorf("config validation failed: database.url is required for the postgres store")
	}
	needsRedis := cfg.Drivers.Queue == "redis" || cfg.Drivers.Cache == "redis"
	if needsRedis && cfg.Redis.URL == "" {
		return fmt.Errorf("config validation failed: redis.url is required for redis drivers")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.prefix", "jobcore:")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime", "1h")
	v.SetDefault("auth.admin_user_ids", []string{})

	v.SetDefault("drivers.queue", "redis")
	v.SetDefault("drivers.store", "postgres")
	v.SetDefault("drivers.cache", "redis")

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.queues", []string{})
	v.SetDefault("worker.shutdown_timeout", "2m")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", "1s")
	v.SetDefault("scheduler.misfire_grace", "1m")

	v.SetDefault("bulk.parallelism", 8)

	v.SetDefault("artifacts.dir", "./data")
}
