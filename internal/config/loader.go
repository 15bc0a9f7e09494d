package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: DATABASE_URL_SSM_PARAM holds the
// SSM path whose value becomes DATABASE_URL.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv skips SSM resolution.
const localEnv = "local"

const ssmResolveTimeout = 30 * time.Second

type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads .env, resolves _SSM_PARAM pointers (outside local),
// processes envconfig tags and validates the result. provider may be nil
// when APP_ENV is local.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// Missing .env is fine; existing env vars are never overridden.
	_ = godotenv.Load()

	if appEnv, _ := deps.lookupEnv("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	if err := validateCrossField(&cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return &cfg, nil
}

// validateCrossField checks rules the struct tags cannot express.
func validateCrossField(cfg *Config) error {
	var problems []string

	if cfg.Database.MinConns > cfg.Database.MaxConns {
		problems = append(problems, "DB_MIN_CONNS must not exceed DB_MAX_CONNS")
	}
	if cfg.Sync.BackfillDepth <= 0 {
		problems = append(problems, "SYNC_BACKFILL_DEPTH must be positive")
	}
	if cfg.Sync.Overlap < 0 {
		problems = append(problems, "SYNC_OVERLAP must not be negative")
	}
	if cfg.Sync.PageTimeout <= 0 || cfg.Sync.RunTimeout <= 0 {
		problems = append(problems, "SYNC_PAGE_TIMEOUT and SYNC_RUN_TIMEOUT must be positive")
	}
	if cfg.Sync.MaxRunDuration <= cfg.Sync.RunTimeout {
		problems = append(problems, "SYNC_MAX_RUN_DURATION must exceed SYNC_RUN_TIMEOUT")
	}
	if cfg.Credentials.RefreshLookahead < cfg.Credentials.RefreshMargin {
		problems = append(problems, "CREDENTIAL_REFRESH_LOOKAHEAD must be at least CREDENTIAL_REFRESH_MARGIN")
	}
	if cfg.Credentials.DefaultLifetime <= 0 {
		problems = append(problems, "CREDENTIAL_DEFAULT_LIFETIME must be positive")
	}
	if cfg.Feature.EnableArchive && cfg.AWS.ArchiveBucket == "" {
		problems = append(problems, "ARCHIVE_BUCKET is required when FEATURE_ENABLE_ARCHIVE is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// ResolveSecrets runs only the SSM step. Lambda entry points that need a
// subset of the configuration call it before reading the environment.
func ResolveSecrets(provider SecretProvider) error {
	if appEnv, _ := os.LookupEnv("APP_ENV"); appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, defaultDeps())
}

// resolveSSMParams injects the values behind every *_SSM_PARAM variable
// whose target is not already set in the environment.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	targets := make(map[string]string) // ssm path -> target env var

	for _, entry := range deps.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := deps.lookupEnv(target); set {
			continue
		}
		targets[path] = target
	}

	if len(targets) == 0 {
		return nil
	}

	paths := make([]string, 0, len(targets))
	for path := range targets {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	if provider == nil {
		names := make([]string, 0, len(paths))
		for _, path := range paths {
			names = append(names, targets[path])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(names, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, targets[path])
			continue
		}
		if err := deps.setEnv(targets[path], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", targets[path]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}

	return nil
}
