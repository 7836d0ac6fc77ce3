package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig           `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig         `mapstructure:"database"`
	Redis     RedisConfig            `mapstructure:"redis"`
	Auth      AuthConfig             `mapstructure:"auth" validate:"required"`
	Drivers   DriversConfig          `mapstructure:"drivers" validate:"required"`
	Worker    WorkerConfig           `mapstructure:"worker"`
	Queues    map[string]QueueConfig `mapstructure:"queues" validate:"dive"`
	Scheduler SchedulerConfig        `mapstructure:"scheduler"`
	Bulk      BulkConfig             `mapstructure:"bulk"`
	Artifacts ArtifactsConfig        `mapstructure:"artifacts" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat       string        `mapstructure:"log_format" validate:"omitempty,oneof=json text"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// DatabaseConfig configures the Postgres operation store.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"omitempty,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// RedisConfig configures the queue, cache and schedule backends.
type RedisConfig struct {
	URL    string `mapstructure:"url" validate:"omitempty,url"`
	Prefix string `mapstructure:"prefix"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
	// TokenLifetime bounds tokens issued by this service (operator tooling
	// and tests); tokens from the platform's identity service carry their own.
	TokenLifetime time.Duration `mapstructure:"token_lifetime" validate:"gt=0"`
	// AdminUserIDs may use the queue administration endpoints.
	AdminUserIDs []string `mapstructure:"admin_user_ids" validate:"dive,uuid"`
}

// DriversConfig selects the backend of each port. "memory" runs everything
// in-process, which is only suitable for development.
type DriversConfig struct {
	Queue string `mapstructure:"queue" validate:"required,oneof=redis memory"`
	Store string `mapstructure:"store" validate:"required,oneof=postgres memory"`
	Cache string `mapstructure:"cache" validate:"required,oneof=redis memory"`
}

// WorkerConfig controls which worker pools this process runs.
type WorkerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Queues limits the pools started; empty means every queue.
	Queues          []string      `mapstructure:"queues"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// QueueConfig overrides the built-in policy of one queue. Zero values keep
// the default.
type QueueConfig struct {
	Concurrency    int           `mapstructure:"concurrency" validate:"gte=0"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=0"`
	Backoff        string        `mapstructure:"backoff" validate:"omitempty,oneof=constant linear exponential jitter"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial" validate:"gte=0"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" validate:"gte=0"`
	Lease          time.Duration `mapstructure:"lease" validate:"gte=0"`
}

// SchedulerConfig controls the recurring job scheduler.
type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	MisfireGrace time.Duration `mapstructure:"misfire_grace" validate:"gte=0"`
}

// BulkConfig tunes bulk operation processing.
type BulkConfig struct {
	// Parallelism bounds concurrent sub-units inside one bulk job.
	Parallelism int `mapstructure:"parallelism" validate:"gt=0"`
}

// ArtifactsConfig locates uploaded files and generated reports.
type ArtifactsConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}
