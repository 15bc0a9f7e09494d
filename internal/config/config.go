// Package config defines the configuration of the marketsync processes.
// Configuration is loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"marketsync/internal/types"
)

// SecretString is an alias for types.SecretString so secrets loaded here never
// show up in logs.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subsets they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"marketsync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Marketplace   MarketplaceConfig
	Credentials   CredentialConfig
	Sync          SyncConfig
	Observability ObservabilityConfig
	Feature       FeatureConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	AdminAPIKey     SecretString  `envconfig:"ADMIN_API_KEY" validate:"required"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	AutoMigrate       bool          `envconfig:"DB_AUTO_MIGRATE" default:"false"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region         string `envconfig:"AWS_REGION" default:"us-east-1"`
	SyncEventQueue string `envconfig:"SQS_SYNC_EVENTS" validate:"omitempty,url"`
	ArchiveBucket  string `envconfig:"ARCHIVE_BUCKET"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// MarketplaceConfig describes the external marketplace API.
type MarketplaceConfig struct {
	APIBaseURL   string       `envconfig:"MARKETPLACE_API_BASE_URL" validate:"required,url"`
	TokenURL     string       `envconfig:"MARKETPLACE_TOKEN_URL" validate:"required,url"`
	ClientID     string       `envconfig:"MARKETPLACE_CLIENT_ID" validate:"required"`
	ClientSecret SecretString `envconfig:"MARKETPLACE_CLIENT_SECRET" validate:"required"`
	// TokenPattern is the plaintext shape of access and refresh tokens.
	TokenPattern string        `envconfig:"MARKETPLACE_TOKEN_PATTERN" default:"^[A-Za-z0-9._~+/-]{16,4096}=*$"`
	Categories   []string      `envconfig:"SYNC_CATEGORIES" default:"orders,transactions,messages" validate:"min=1,dive,oneof=orders transactions messages"`
	HTTPTimeout  time.Duration `envconfig:"MARKETPLACE_HTTP_TIMEOUT" default:"20s"`
}

// CredentialConfig controls token encryption and refresh timing.
type CredentialConfig struct {
	// EncryptionKey is a base64 encoded 32-byte key.
	EncryptionKey    SecretString  `envconfig:"CREDENTIAL_ENCRYPTION_KEY" validate:"required"`
	RefreshMargin    time.Duration `envconfig:"CREDENTIAL_REFRESH_MARGIN" default:"5m"`
	RefreshLookahead time.Duration `envconfig:"CREDENTIAL_REFRESH_LOOKAHEAD" default:"30m"`
	// DefaultLifetime applies when the token endpoint omits expires_in.
	DefaultLifetime time.Duration `envconfig:"CREDENTIAL_DEFAULT_LIFETIME" default:"1h"`
	RefreshBatch    int           `envconfig:"CREDENTIAL_REFRESH_BATCH" default:"100" validate:"min=1"`
}

// SyncConfig tunes windowing, pagination and fan-out.
type SyncConfig struct {
	BackfillDepth  time.Duration `envconfig:"SYNC_BACKFILL_DEPTH" default:"2160h"`
	Overlap        time.Duration `envconfig:"SYNC_OVERLAP" default:"5m"`
	MaxPages       int           `envconfig:"SYNC_MAX_PAGES" default:"200" validate:"min=1"`
	PageSize       int           `envconfig:"SYNC_PAGE_SIZE" default:"100" validate:"min=1,max=1000"`
	PageTimeout    time.Duration `envconfig:"SYNC_PAGE_TIMEOUT" default:"30s"`
	RunTimeout     time.Duration `envconfig:"SYNC_RUN_TIMEOUT" default:"30m"`
	PublishTimeout time.Duration `envconfig:"SYNC_PUBLISH_TIMEOUT" default:"10s"`
	MaxRunDuration time.Duration `envconfig:"SYNC_MAX_RUN_DURATION" default:"2h"`
	Concurrency    int           `envconfig:"SYNC_CONCURRENCY" default:"8" validate:"min=1"`

	LoopInterval    time.Duration `envconfig:"SYNC_LOOP_INTERVAL" default:"5m"`
	RefreshInterval time.Duration `envconfig:"REFRESH_LOOP_INTERVAL" default:"10m"`
	ReaperInterval  time.Duration `envconfig:"REAPER_LOOP_INTERVAL" default:"15m"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"MarketSync"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
}

// FeatureConfig holds kill switches.
type FeatureConfig struct {
	EnableArchive bool `envconfig:"FEATURE_ENABLE_ARCHIVE" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an environment value could not be parsed.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
