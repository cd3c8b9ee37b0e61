package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"relgraph/internal/schemafilter"
)

// Issue is one configuration problem, located by its dotted key.
type Issue struct {
	Field   string
	Message string
	Hint    string
}

func (e Issue) Error() string {
	if e.Hint == "" {
		return e.Field + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
}

// ValidationResult collects issues. Errors abort startup; warnings are only
// logged. A result with errors is itself an error.
type ValidationResult struct {
	Errors   []Issue
	Warnings []Issue
}

// HasErrors reports whether at least one issue is fatal.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *ValidationResult) Error() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) addError(field, message, hint string) {
	r.Errors = append(r.Errors, Issue{Field: field, Message: message, Hint: hint})
}

func (r *ValidationResult) addWarning(field, message, hint string) {
	r.Warnings = append(r.Warnings, Issue{Field: field, Message: message, Hint: hint})
}

// UsesDatabase reports whether any configured component needs a database connection.
func (c *Config) UsesDatabase() bool {
	return c.Storage.Backend == StorageBackendMySQL || c.Model.Source == ModelSourceDatabase
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	if c.UsesDatabase() {
		c.Database.validate(result)
	}
	c.Server.validate(result)
	c.Observability.validate(result)
	c.Model.validate(result)
	c.Storage.validate(result, c.Model)
	c.Loader.validate(result)

	return result
}

func (m *ModelConfig) validate(result *ValidationResult) {
	switch m.Source {
	case ModelSourceFile:
	case ModelSourceDatabase:
		if strings.TrimSpace(m.File) != "" {
			result.addWarning("model.file", "model.file is ignored when model.source is database", "")
		}
	default:
		result.addError("model.source", fmt.Sprintf("invalid model source %q", m.Source), "valid values are: file, database")
	}

	for singular, plural := range m.PluralOverrides {
		if strings.TrimSpace(singular) == "" || strings.TrimSpace(plural) == "" {
			result.addError("model.plural_overrides", "override keys and values cannot be empty", "")
		}
	}
	for plural, singular := range m.SingularOverrides {
		if strings.TrimSpace(plural) == "" || strings.TrimSpace(singular) == "" {
			result.addError("model.singular_overrides", "override keys and values cannot be empty", "")
		}
	}

	if m.Source != ModelSourceDatabase && !m.Filters.IsZero() {
		result.addWarning("model.filters", "model.filters only apply when model.source is database", "")
	}
	validateGlobList(result, "model.filters.allow_tables", m.Filters.AllowTables)
	validateGlobList(result, "model.filters.deny_tables", m.Filters.DenyTables)
	validatePatternMap(result, "model.filters.allow_columns", m.Filters.AllowColumns)
	validatePatternMap(result, "model.filters.deny_columns", m.Filters.DenyColumns)
}

func validateGlobList(result *ValidationResult, field string, patterns []string) {
	for _, pattern := range patterns {
		if strings.TrimSpace(pattern) == "" {
			result.addError(field, "glob pattern cannot be empty", "")
			continue
		}
		if !schemafilter.ValidPattern(pattern) {
			result.addError(field, fmt.Sprintf("invalid glob pattern %q", pattern), "patterns use path.Match syntax")
		}
	}
}

func validatePatternMap(result *ValidationResult, field string, patternMap map[string][]string) {
	for tablePattern, columnPatterns := range patternMap {
		if strings.TrimSpace(tablePattern) == "" {
			result.addError(field, "table pattern cannot be empty", "")
			continue
		}
		validateGlobList(result, field+"."+tablePattern, columnPatterns)
	}
}

func (s *StorageConfig) validate(result *ValidationResult, model ModelConfig) {
	switch s.Backend {
	case StorageBackendMySQL:
		if strings.TrimSpace(s.FixturesFile) != "" {
			result.addWarning("storage.fixtures_file", "fixtures_file is only used by the memory backend", "")
		}
	case StorageBackendMemory:
		if model.Source == ModelSourceDatabase {
			result.addWarning("storage.backend",
				"memory backend with a database-introspected model serves only fixture rows",
				"set storage.backend=mysql to query the introspected tables")
		}
	default:
		result.addError("storage.backend", fmt.Sprintf("invalid storage backend %q", s.Backend), "valid values are: mysql, memory")
	}

	if s.MaxInClause < 1 {
		result.addError("storage.max_in_clause", "max_in_clause must be at least 1", "")
	}
}

func (l *LoaderConfig) validate(result *ValidationResult) {
	if l.MaxConcurrentFlushes < 1 {
		result.addError("loader.max_concurrent_flushes", "max_concurrent_flushes must be at least 1", "")
	}
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	if d.ConnectionString == "" && (d.Port < 1 || d.Port > 65535) {
		result.addError("database.port", fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port), "")
	}

	d.TLS.validate(result)

	if d.Pool.MaxOpen < 0 {
		result.addError("database.pool.max_open", "max_open cannot be negative", "")
	}
	if d.Pool.MaxIdle < 0 {
		result.addError("database.pool.max_idle", "max_idle cannot be negative", "")
	}
	if d.Pool.MaxIdle > d.Pool.MaxOpen && d.Pool.MaxOpen > 0 {
		result.addWarning("database.pool.max_idle", "max_idle is greater than max_open", "idle connections will be limited to max_open")
	}

	if d.ConnectionTimeout < 0 {
		result.addError("database.connection_timeout", "connection_timeout cannot be negative", "")
	}
	if d.ConnectionRetryInterval < 0 {
		result.addError("database.connection_retry_interval", "connection_retry_interval cannot be negative", "")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval == 0 {
		result.addError("database.connection_retry_interval",
			"connection_retry_interval must be greater than 0 when connection_timeout is set",
			"set a retry interval such as 2s, or set connection_timeout to 0 to disable retries")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval > d.ConnectionTimeout {
		result.addWarning("database.connection_retry_interval",
			"connection_retry_interval is greater than connection_timeout",
			"only one connection attempt will be made")
	}
	if d.SlowQueryThreshold < 0 {
		result.addError("database.slow_query_threshold", "slow_query_threshold cannot be negative", "")
	}

	if _, err := d.EffectiveDatabaseName(); err != nil {
		field := "database.database"
		if strings.HasPrefix(err.Error(), "database.dsn") {
			field = "database.dsn"
		}
		result.addError(field, err.Error(), "set database.database or include a /database in database.dsn")
	}
}

func (t *DatabaseTLSConfig) validate(result *ValidationResult) {
	validModes := map[string]bool{"": true, "off": true, "skip-verify": true, "verify-ca": true, "verify-full": true}
	if !validModes[t.Mode] {
		result.addError("database.tls.mode", fmt.Sprintf("invalid TLS mode %q", t.Mode), "valid values are: off, skip-verify, verify-ca, verify-full")
	}

	if (t.Mode == "verify-ca" || t.Mode == "verify-full") && t.resolveCAFile() == "" {
		result.addError("database.tls.ca_file",
			"CA file is required for verify-ca and verify-full modes",
			"set ca_file or ca_file_env to specify the CA certificate")
	}

	certFile := t.resolveCertFile()
	keyFile := t.resolveKeyFile()
	if (certFile != "") != (keyFile != "") {
		result.addError("database.tls.cert_file",
			"both cert_file and key_file must be specified for client certificate authentication",
			"provide both cert_file and key_file, or neither")
	}

	if t.Mode == "skip-verify" {
		result.addWarning("database.tls.mode", "skip-verify mode does not verify server certificates", "use verify-ca or verify-full in production")
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.addError("server.port", fmt.Sprintf("port %d is out of valid range (1-65535)", s.Port), "")
	}

	if s.RateLimitEnabled {
		if s.RateLimitRPS <= 0 {
			result.addError("server.rate_limit_rps", "rate_limit_rps must be greater than 0 when rate limiting is enabled", "")
		}
		if s.RateLimitBurst <= 0 {
			result.addError("server.rate_limit_burst", "rate_limit_burst must be greater than 0 when rate limiting is enabled", "")
		}
	} else if s.RateLimitRPS > 0 || s.RateLimitBurst > 0 {
		result.addWarning("server.rate_limit_enabled",
			"rate limit values are set but rate limiting is disabled",
			"enable server.rate_limit_enabled to apply rate limits")
	}

	if s.GraphQLMaxDepth < 0 {
		result.addError("server.graphql_max_depth", "graphql_max_depth cannot be negative", "")
	}
	if s.GraphQLMaxBodyBytes < 0 {
		result.addError("server.graphql_max_body_bytes", "graphql_max_body_bytes cannot be negative", "")
	}
	if s.RequestTimeout < 0 {
		result.addError("server.request_timeout", "request_timeout cannot be negative", "")
	}
	if s.RequestTimeout > 0 && s.WriteTimeout > 0 && s.RequestTimeout > s.WriteTimeout {
		result.addWarning("server.request_timeout",
			"request_timeout is longer than write_timeout",
			"responses for slow queries will be cut off by the HTTP server")
	}

	if s.CORSEnabled {
		if len(s.CORSAllowedOrigins) == 0 {
			result.addError("server.cors_allowed_origins", "CORS enabled but no allowed origins configured", "set cors_allowed_origins or disable CORS")
		}
		hasWildcard := false
		for _, origin := range s.CORSAllowedOrigins {
			if strings.TrimSpace(origin) == "*" {
				hasWildcard = true
				break
			}
		}
		if hasWildcard && s.CORSAllowCredentials {
			result.addError("server.cors_allowed_origins",
				"wildcard origin (*) cannot be used with credentials",
				"use specific origins with credentials, or wildcard without credentials")
		}
		if hasWildcard {
			result.addWarning("server.cors_allowed_origins", "CORS wildcard origin enabled", "use specific origins in production for better security")
		}
	}

	validTLSModes := map[string]bool{"": true, "off": true, "auto": true, "file": true}
	if !validTLSModes[s.TLSMode] {
		result.addError("server.tls_mode", fmt.Sprintf("invalid TLS mode %q", s.TLSMode), "valid values are: off, auto, file")
	}
	if s.TLSMode == "file" {
		if s.TLSCertFile == "" {
			result.addError("server.tls_cert_file", "TLS cert file required when tls_mode is 'file'", "")
		}
		if s.TLSKeyFile == "" {
			result.addError("server.tls_key_file", "TLS key file required when tls_mode is 'file'", "")
		}
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.addError("observability.logging.level", fmt.Sprintf("invalid log level %q", o.Logging.Level), "valid values are: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.addError("observability.logging.format", fmt.Sprintf("invalid log format %q", o.Logging.Format), "valid values are: json, text")
	}

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.addError("observability.trace_sample_ratio", fmt.Sprintf("trace_sample_ratio %v must be between 0 and 1", o.TraceSampleRatio), "")
	}

	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
	if o.Metrics != nil {
		o.Metrics.validate("observability.metrics", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.addError(prefix+".protocol", fmt.Sprintf("invalid OTLP protocol %q", o.Protocol), "valid values are: grpc, http/protobuf")
	}
	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		result.addError(prefix+".endpoint", fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint), "use host:port or a full URL")
	}

	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.addError(prefix+".compression", fmt.Sprintf("invalid OTLP compression %q", o.Compression), "valid values are: none, gzip")
	}
	if o.RetryMaxAttempts < 0 {
		result.addError(prefix+".retry_max_attempts", "retry_max_attempts cannot be negative", "")
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
