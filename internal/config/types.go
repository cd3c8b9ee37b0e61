package config

import (
	"time"

	"relgraph/internal/naming"
	"relgraph/internal/schemafilter"
)

// Config holds all application configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Model         ModelConfig         `mapstructure:"model"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Loader        LoaderConfig        `mapstructure:"loader"`
	Filter        FilterConfig        `mapstructure:"filter"`
}

// Model sources.
const (
	ModelSourceFile     = "file"
	ModelSourceDatabase = "database"
)

// Storage backends.
const (
	StorageBackendMySQL  = "mysql"
	StorageBackendMemory = "memory"
)

// ModelConfig selects where the entity model comes from and how names are derived.
type ModelConfig struct {
	// Source is "file" (YAML model document) or "database" (information_schema introspection).
	Source string `mapstructure:"source"`
	// File is the YAML model path. Empty with source=file means the built-in news model.
	File string `mapstructure:"file"`

	PluralOverrides   map[string]string `mapstructure:"plural_overrides"`
	SingularOverrides map[string]string `mapstructure:"singular_overrides"`

	// Filters restrict which tables and columns introspection turns into
	// entities and fields. Only used with source=database.
	Filters schemafilter.Config `mapstructure:"filters"`
}

// Naming returns the naming configuration carried by the model section.
func (m ModelConfig) Naming() naming.Config {
	cfg := naming.DefaultConfig()
	for k, v := range m.PluralOverrides {
		cfg.PluralOverrides[k] = v
	}
	for k, v := range m.SingularOverrides {
		cfg.SingularOverrides[k] = v
	}
	return cfg
}

// StorageConfig selects the Store backend.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	FixturesFile string `mapstructure:"fixtures_file"`
	MaxInClause  int    `mapstructure:"max_in_clause"`
}

// LoaderConfig tunes batched relationship loading.
type LoaderConfig struct {
	MaxConcurrentFlushes int `mapstructure:"max_concurrent_flushes"`
}

// FilterConfig tunes filter compilation.
type FilterConfig struct {
	// StrictOperators rejects unknown operators instead of falling back to equality.
	StrictOperators bool `mapstructure:"strict_operators"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// DatabaseTLSConfig holds TLS settings for the database connection.
type DatabaseTLSConfig struct {
	// Mode: "off", "skip-verify", "verify-ca", "verify-full". Empty adds no tls parameter.
	Mode string `mapstructure:"mode"`

	CAFile    string `mapstructure:"ca_file"`
	CAFileEnv string `mapstructure:"ca_file_env"`

	CertFile    string `mapstructure:"cert_file"`
	CertFileEnv string `mapstructure:"cert_file_env"`

	KeyFile    string `mapstructure:"key_file"`
	KeyFileEnv string `mapstructure:"key_file_env"`

	ServerName string `mapstructure:"server_name"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// ConnectionString takes precedence over the discrete fields when set.
	ConnectionString     string `mapstructure:"dsn"`
	ConnectionStringFile string `mapstructure:"dsn_file"`

	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PasswordFile   string `mapstructure:"password_file"`
	PasswordPrompt bool   `mapstructure:"password_prompt"`
	Database       string `mapstructure:"database"`

	TLS  DatabaseTLSConfig `mapstructure:"tls"`
	Pool PoolConfig        `mapstructure:"pool"`

	// ConnectionTimeout is the total time to wait for the database on startup.
	// Zero means fail on the first attempt.
	ConnectionTimeout       time.Duration `mapstructure:"connection_timeout"`
	ConnectionRetryInterval time.Duration `mapstructure:"connection_retry_interval"`

	// SlowQueryThreshold logs statements slower than this at warn level. Zero disables.
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port                 int           `mapstructure:"port"`
	GraphQLMaxDepth      int           `mapstructure:"graphql_max_depth"`
	GraphQLMaxBodyBytes  int64         `mapstructure:"graphql_max_body_bytes"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	GraphiQLEnabled      bool          `mapstructure:"graphiql_enabled"`
	RateLimitEnabled     bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRPS         float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst       int           `mapstructure:"rate_limit_burst"`
	CORSEnabled          bool          `mapstructure:"cors_enabled"`
	CORSAllowedOrigins   []string      `mapstructure:"cors_allowed_origins"`
	CORSAllowedMethods   []string      `mapstructure:"cors_allowed_methods"`
	CORSAllowedHeaders   []string      `mapstructure:"cors_allowed_headers"`
	CORSExposeHeaders    []string      `mapstructure:"cors_expose_headers"`
	CORSAllowCredentials bool          `mapstructure:"cors_allow_credentials"`
	CORSMaxAge           int           `mapstructure:"cors_max_age"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	HealthCheckTimeout   time.Duration `mapstructure:"health_check_timeout"`

	TLSMode        string `mapstructure:"tls_mode"` // "off", "auto" or "file"
	TLSCertFile    string `mapstructure:"tls_cert_file"`
	TLSKeyFile     string `mapstructure:"tls_key_file"`
	TLSAutoCertDir string `mapstructure:"tls_auto_cert_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`  // debug, info, warn, error
	Format         string `mapstructure:"format"` // json, text
	ExportsEnabled bool   `mapstructure:"exports_enabled"`
}

// ObservabilityConfig holds metrics, tracing and logging settings.
type ObservabilityConfig struct {
	ServiceName         string        `mapstructure:"service_name"`
	ServiceVersion      string        `mapstructure:"service_version"`
	Environment         string        `mapstructure:"environment"`
	MetricsEnabled      bool          `mapstructure:"metrics_enabled"`
	TracingEnabled      bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio    float64       `mapstructure:"trace_sample_ratio"`
	SQLCommenterEnabled bool          `mapstructure:"sqlcommenter_enabled"`
	Logging             LoggingConfig `mapstructure:"logging"`

	// OTLP applies to all signals unless a signal-specific block overrides it.
	OTLP OTLPConfig `mapstructure:"otlp"`

	Traces  *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs    *OTLPConfig `mapstructure:"logs,omitempty"`
	Metrics *OTLPConfig `mapstructure:"metrics,omitempty"`
}

// OTLPConfig holds OTLP exporter settings.
type OTLPConfig struct {
	Endpoint          string            `mapstructure:"endpoint"`
	Protocol          string            `mapstructure:"protocol"` // "grpc", "http/protobuf"
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Compression       string            `mapstructure:"compression"` // "none", "gzip"
	RetryEnabled      bool              `mapstructure:"retry_enabled"`
	RetryMaxAttempts  int               `mapstructure:"retry_max_attempts"`
}

// GetTracesConfig returns the effective trace exporter config.
func (c *ObservabilityConfig) GetTracesConfig() OTLPConfig {
	if c.Traces != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Traces)
	}
	return c.OTLP
}

// GetLogsConfig returns the effective log exporter config.
func (c *ObservabilityConfig) GetLogsConfig() OTLPConfig {
	if c.Logs != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Logs)
	}
	return c.OTLP
}

// GetMetricsConfig returns the effective metric exporter config.
func (c *ObservabilityConfig) GetMetricsConfig() OTLPConfig {
	if c.Metrics != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Metrics)
	}
	return c.OTLP
}

// mergeOTLPConfigs overlays the non-zero fields of override onto base.
// Insecure always comes from the override.
func mergeOTLPConfigs(base OTLPConfig, override OTLPConfig) OTLPConfig {
	result := base
	if override.Endpoint != "" {
		result.Endpoint = override.Endpoint
	}
	if override.Protocol != "" {
		result.Protocol = override.Protocol
	}
	result.Insecure = override.Insecure
	if override.TLSCertFile != "" {
		result.TLSCertFile = override.TLSCertFile
	}
	if override.TLSClientCertFile != "" {
		result.TLSClientCertFile = override.TLSClientCertFile
	}
	if override.TLSClientKeyFile != "" {
		result.TLSClientKeyFile = override.TLSClientKeyFile
	}
	if override.Headers != nil {
		result.Headers = make(map[string]string, len(base.Headers)+len(override.Headers))
		for k, v := range base.Headers {
			result.Headers[k] = v
		}
		for k, v := range override.Headers {
			result.Headers[k] = v
		}
	}
	if override.Timeout != 0 {
		result.Timeout = override.Timeout
	}
	if override.Compression != "" {
		result.Compression = override.Compression
	}
	if override.RetryMaxAttempts != 0 {
		result.RetryEnabled = override.RetryEnabled
		result.RetryMaxAttempts = override.RetryMaxAttempts
	}
	return result
}
