// Package config defines the configuration for the RallyPoint scheduling
// daemons. Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor principles: code is strictly
// separated from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the process to exit
// immediately on startup (fail fast).
package config

import (
	"time"

	"rallypoint/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used in configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct shared by the scheduler and
// dlq-redrive processes. Sub-components receive only the specific config
// subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"rallypoint-scheduler"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Database     DatabaseConfig
	AWS          AWSConfig
	Engine       EngineConfig
	Redrive      RedriveConfig
	Health       HealthConfig
	Housekeeping HousekeepingConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"4"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover

	// NotifyChannel is the Postgres NOTIFY channel fired by the
	// schedule_entries trigger. One named channel per table.
	NotifyChannel string `envconfig:"DB_NOTIFY_CHANNEL" default:"schedule_entries_changed"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
// Each primary queue has its own dead-letter queue bound via the same
// routing keys; there is deliberately no shared catch-all DLQ.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	ReminderQueue    string `envconfig:"SQS_REMINDERS" validate:"required,url"`
	ReminderDLQ      string `envconfig:"SQS_REMINDERS_DLQ" validate:"required,url"`
	SessionQueue     string `envconfig:"SQS_SESSION_EVENTS" validate:"required,url"`
	SessionDLQ       string `envconfig:"SQS_SESSION_EVENTS_DLQ" validate:"required,url"`
	MetricNamespace  string `envconfig:"METRIC_NAMESPACE" default:"RallyPoint"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EngineConfig holds scheduling engine tuning parameters.
type EngineConfig struct {
	// Kind selects which schedule kind this process serves. Required for the
	// scheduler binary; unused by dlq-redrive.
	Kind string `envconfig:"SCHEDULE_KIND" validate:"omitempty,oneof=reminder join_notification status_transition"`

	// MaxIdleTimeout caps the idle wait so the engine periodically re-polls
	// even if a notification was somehow missed.
	MaxIdleTimeout time.Duration `envconfig:"ENGINE_MAX_IDLE_TIMEOUT" default:"15m"`

	// RetryBackoff is the floor applied to a non-positive computed wait, so
	// a row that keeps failing to publish never turns the idle loop hot.
	RetryBackoff time.Duration `envconfig:"ENGINE_RETRY_BACKOFF" default:"5s"`

	// BatchLimit bounds how many due rows one cycle processes.
	BatchLimit int `envconfig:"ENGINE_BATCH_LIMIT" default:"100"`

	// ReminderStaleness is how late a reminder may arrive before it is
	// dropped rather than delivered. Drives the published message TTL.
	ReminderStaleness time.Duration `envconfig:"REMINDER_STALENESS_TOLERANCE" default:"10m"`
}

// RedriveConfig holds DLQ drain daemon tuning parameters. Test environments
// use intervals of seconds; production is on the order of 15 minutes.
type RedriveConfig struct {
	Interval         time.Duration `envconfig:"REDRIVE_INTERVAL" default:"15m"`
	MaxBatch         int           `envconfig:"REDRIVE_MAX_BATCH" default:"10"`
	FailureThreshold int           `envconfig:"REDRIVE_FAILURE_THRESHOLD" default:"5"`
}

// HealthConfig holds the health endpoint listener settings.
type HealthConfig struct {
	Port string `envconfig:"HEALTH_PORT" default:"8090"`
}

// HousekeepingConfig holds the executed-entry sweeper settings.
type HousekeepingConfig struct {
	Enabled    bool          `envconfig:"HOUSEKEEPING_ENABLED" default:"true"`
	Interval   time.Duration `envconfig:"HOUSEKEEPING_INTERVAL" default:"1h"`
	Retention  time.Duration `envconfig:"HOUSEKEEPING_RETENTION" default:"72h"`
	ArchiveDir string        `envconfig:"HOUSEKEEPING_ARCHIVE_DIR" default:"/var/lib/rallypoint/archive"`
	BatchSize  int           `envconfig:"HOUSEKEEPING_BATCH_SIZE" default:"500"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
