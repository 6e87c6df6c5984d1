// Package config loads and validates the foldersync server configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the FOLDERSYNC_ prefix (e.g.
// FOLDERSYNC_REPOS_REPOS_DIR overrides repos.repos_dir in the YAML), so the same
// binary runs from a config.yaml in development and from pure environment
// variables in containers.
//
// The pre-receive hook subcommand does not load it. The hook script passes
// the pattern file as a flag when one is configured; everything else the
// hook needs has a flag default.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Repos    ReposConfig    `mapstructure:"repos"`
	Access   AccessConfig   `mapstructure:"access"`
	Redis    RedisConfig    `mapstructure:"redis"`
	// Storage is where repository bundle backups are written
	Storage   StorageConfig   `mapstructure:"storage"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// ReposConfig describes where repositories live and how git is driven.
type ReposConfig struct {
	// ReposDir holds one bare repository per company: <repos_dir>/<id><suffix>
	ReposDir string `mapstructure:"repos_dir"`
	// WorkdirDir holds the server-side working copies: <workdir_dir>/<id>
	WorkdirDir string `mapstructure:"workdir_dir"`
	Suffix     string `mapstructure:"suffix"`
	GitBinary  string `mapstructure:"git_binary"`
	// DefaultBranches are tried in order when fast-forwarding a working copy
	DefaultBranches []string `mapstructure:"default_branches"`
	// HookTemplatePath overrides the built-in pre-receive hook script
	HookTemplatePath string `mapstructure:"hook_template_path"`
	// PatternsFile adds detection patterns on top of the built-in table
	PatternsFile      string        `mapstructure:"patterns_file"`
	SubprocessTimeout time.Duration `mapstructure:"subprocess_timeout"`
	// WorkerPoolSize bounds concurrent working-copy operations across all companies
	WorkerPoolSize     int    `mapstructure:"worker_pool_size"`
	CommitAuthorName   string `mapstructure:"commit_author_name"`
	CommitAuthorEmail  string `mapstructure:"commit_author_email"`
	BackupBeforeDelete bool   `mapstructure:"backup_before_delete"`
}

// AccessConfig holds authorisation knobs.
type AccessConfig struct {
	// ConcealExistence answers 404 instead of 403 to authenticated non-members
	ConcealExistence bool `mapstructure:"conceal_existence"`
	// OperatorUserIDs may run fleet-wide repository maintenance
	OperatorUserIDs []string `mapstructure:"operator_user_ids"`
}

// RedisConfig enables a shared rate-limit store when Addr is set
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig holds storage backend configuration
type StorageConfig struct {
	DefaultBackend string             `mapstructure:"default_backend"`
	Azure          AzureStorageConfig `mapstructure:"azure"`
	S3             S3StorageConfig    `mapstructure:"s3"`
	GCS            GCSStorageConfig   `mapstructure:"gcs"`
	Local          LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO etc.)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// Authentication method: "default", "static", "assume_role"
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`
	// CredentialsFile is a service account JSON key; empty uses Application Default Credentials
	CredentialsFile string `mapstructure:"credentials_file"`
	// Endpoint is an optional custom endpoint (for GCS emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// JobsConfig holds background job settings
type JobsConfig struct {
	// HookReconcileInterval is how often hooks are reinstalled on every repository; 0 disables the sweep
	HookReconcileInterval time.Duration `mapstructure:"hook_reconcile_interval"`
	// WatchPatternsFile reinstalls hooks as soon as repos.patterns_file changes
	WatchPatternsFile bool `mapstructure:"watch_patterns_file"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Repositories
		"repos.repos_dir",
		"repos.workdir_dir",
		"repos.suffix",
		"repos.git_binary",
		"repos.default_branches",
		"repos.hook_template_path",
		"repos.patterns_file",
		"repos.subprocess_timeout",
		"repos.worker_pool_size",
		"repos.commit_author_name",
		"repos.commit_author_email",
		"repos.backup_before_delete",

		// Access
		"access.conceal_existence",
		"access.operator_user_ids",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",

		// Storage
		"storage.default_backend",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.gcs.bucket",
		"storage.gcs.credentials_file",
		"storage.gcs.endpoint",
		"storage.local.base_path",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",

		// Jobs
		"jobs.hook_reconcile_interval",
		"jobs.watch_patterns_file",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/foldersync")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("FOLDERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults. Clones of large repositories stream for a long time, so
	// the write timeout is generous; git subprocesses carry their own bound.
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "5m")
	v.SetDefault("server.write_timeout", "15m")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "foldersync")
	v.SetDefault("database.user", "foldersync")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Repository defaults
	v.SetDefault("repos.repos_dir", "./data/repos")
	v.SetDefault("repos.workdir_dir", "./data/workdirs")
	v.SetDefault("repos.suffix", ".git")
	v.SetDefault("repos.git_binary", "git")
	v.SetDefault("repos.default_branches", []string{"main", "master"})
	v.SetDefault("repos.subprocess_timeout", "10m")
	v.SetDefault("repos.worker_pool_size", 8)
	v.SetDefault("repos.commit_author_name", "foldersync")
	v.SetDefault("repos.commit_author_email", "foldersync@localhost")
	v.SetDefault("repos.backup_before_delete", false)

	// Access defaults
	v.SetDefault("access.conceal_existence", false)

	// Storage defaults
	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./data/backups")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 30)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)

	// Jobs defaults
	v.SetDefault("jobs.hook_reconcile_interval", "1h")
	v.SetDefault("jobs.watch_patterns_file", true)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if err := c.Repos.Validate(); err != nil {
		return err
	}

	validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, or local)", c.Storage.DefaultBackend)
	}

	switch c.Storage.DefaultBackend {
	case "azure":
		if c.Storage.Azure.AccountName == "" {
			return fmt.Errorf("storage.azure.account_name is required when using Azure backend")
		}
		if c.Storage.Azure.AccountKey == "" {
			return fmt.Errorf("storage.azure.account_key is required when using Azure backend")
		}
		if c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.container_name is required when using Azure backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	case "local":
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Jobs.HookReconcileInterval < 0 {
		return fmt.Errorf("jobs.hook_reconcile_interval must not be negative")
	}

	return nil
}

// Validate checks the repository settings on their own. The pre-receive hook
// only needs this section, so it validates it without the rest of Config.
func (r *ReposConfig) Validate() error {
	if r.ReposDir == "" {
		return fmt.Errorf("repos.repos_dir is required")
	}
	if r.WorkdirDir == "" {
		return fmt.Errorf("repos.workdir_dir is required")
	}
	if r.GitBinary == "" {
		return fmt.Errorf("repos.git_binary is required")
	}
	if len(r.DefaultBranches) == 0 {
		return fmt.Errorf("repos.default_branches must list at least one branch")
	}
	if r.SubprocessTimeout <= 0 {
		return fmt.Errorf("repos.subprocess_timeout must be positive")
	}
	if r.WorkerPoolSize < 1 {
		return fmt.Errorf("repos.worker_pool_size must be at least 1, got %d", r.WorkerPoolSize)
	}
	if strings.ContainsAny(r.Suffix, "/\\") {
		return fmt.Errorf("repos.suffix must not contain path separators: %q", r.Suffix)
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsOperator reports whether userID is listed in access.operator_user_ids.
func (a *AccessConfig) IsOperator(userID string) bool {
	for _, id := range a.OperatorUserIDs {
		if id != "" && id == userID {
			return true
		}
	}
	return false
}
