package config

import "time"

// setting is one configuration key. The default's Go type decides the flag
// type; settings without usage text get no flag.
type setting struct {
	key   string
	def   any
	usage string
}

var settings = []setting{
	{"database.dsn", "", "Complete MySQL DSN (user:pass@tcp(host:port)/db)"},
	{"database.dsn_file", "", "Path to file containing database DSN (use @- for stdin)"},
	{"database.host", "localhost", "Database host"},
	{"database.port", 4000, "Database port"},
	{"database.user", "relgraph", "Database user"},
	{"database.password", "", "Database password"},
	{"database.password_file", "", "Path to file containing database password (use @- for stdin)"},
	{"database.password_prompt", false, "Prompt for database password securely"},
	{"database.database", defaultDatabaseName, "Database name"},

	{"database.tls.mode", "", "TLS mode (off, skip-verify, verify-ca, verify-full)"},
	{"database.tls.ca_file", "", "Path to CA certificate for server verification"},
	{"database.tls.ca_file_env", "", ""},
	{"database.tls.cert_file", "", "Path to client certificate for mTLS"},
	{"database.tls.cert_file_env", "", ""},
	{"database.tls.key_file", "", "Path to client private key for mTLS"},
	{"database.tls.key_file_env", "", ""},
	{"database.tls.server_name", "", "Override TLS server name for verification"},

	{"database.pool.max_open", 25, "Maximum open database connections"},
	{"database.pool.max_idle", 5, "Maximum idle connections in pool"},
	{"database.pool.max_lifetime", 5 * time.Minute, "Connection max lifetime (e.g. 5m, 30s)"},
	{"database.connection_timeout", 60 * time.Second, "Max time to wait for database on startup (0 = fail immediately)"},
	{"database.connection_retry_interval", 2 * time.Second, "Initial interval between connection retries"},
	{"database.slow_query_threshold", 500 * time.Millisecond, "Log statements slower than this at warn level (0 = off)"},

	{"server.port", 8080, "HTTP server port"},
	{"server.graphql_max_depth", 8, "Maximum GraphQL selection depth (0 = unlimited)"},
	{"server.graphql_max_body_bytes", int64(1 << 20), "Maximum GraphQL POST body size in bytes"},
	{"server.request_timeout", 30 * time.Second, "Per-request GraphQL execution timeout (0 = none)"},
	{"server.graphiql_enabled", false, "Enable GraphiQL UI for /graphql (dev only)"},
	{"server.rate_limit_enabled", false, "Enable global rate limiting for all HTTP endpoints"},
	{"server.rate_limit_rps", 0.0, "Global rate limit requests per second"},
	{"server.rate_limit_burst", 0, "Global rate limit burst size"},
	{"server.cors_enabled", false, "Enable CORS (Cross-Origin Resource Sharing)"},
	{"server.cors_allowed_origins", []string{}, "Allowed CORS origins (comma-separated or repeated)"},
	{"server.cors_allowed_methods", []string{"GET", "POST", "OPTIONS"}, "Allowed CORS methods (comma-separated or repeated)"},
	{"server.cors_allowed_headers", []string{"Content-Type", "Authorization"}, "Allowed CORS headers (comma-separated or repeated)"},
	{"server.cors_expose_headers", []string{}, "CORS headers to expose to browser (comma-separated or repeated)"},
	{"server.cors_allow_credentials", false, "Allow credentials in CORS requests"},
	{"server.cors_max_age", 86400, "CORS preflight cache duration (seconds)"},
	{"server.read_timeout", 15 * time.Second, "HTTP server read timeout"},
	{"server.write_timeout", 15 * time.Second, "HTTP server write timeout"},
	{"server.idle_timeout", 60 * time.Second, "HTTP server idle timeout"},
	{"server.shutdown_timeout", 30 * time.Second, "HTTP server graceful shutdown timeout"},
	{"server.health_check_timeout", 2 * time.Second, "Health check timeout"},
	{"server.tls_mode", "off", "TLS mode: off, auto (self-signed), file"},
	{"server.tls_cert_file", "", "Path to TLS certificate file (for file mode)"},
	{"server.tls_key_file", "", "Path to TLS private key file (for file mode)"},
	{"server.tls_auto_cert_dir", ".tls", "Directory for auto-generated certificates"},

	{"model.source", ModelSourceFile, "Model source: file or database"},
	{"model.file", "", "Path to the YAML model (empty = built-in news model)"},
	{"model.plural_overrides", map[string]string{}, ""},
	{"model.singular_overrides", map[string]string{}, ""},
	{"storage.backend", StorageBackendMemory, "Storage backend: mysql or memory"},
	{"storage.fixtures_file", "", "YAML fixtures for the memory backend"},
	{"storage.max_in_clause", 1000, "Maximum parent keys bound into one statement"},
	{"loader.max_concurrent_flushes", 4, "Maximum relationship batches fetched concurrently"},
	{"filter.strict_operators", false, "Reject unknown filter operators instead of falling back to equality"},

	{"observability.service_name", "relgraph", "Service name for observability"},
	{"observability.service_version", "", "Service version for observability"},
	{"observability.environment", "development", "Environment name (dev, staging, prod)"},
	{"observability.metrics_enabled", true, "Enable metrics collection"},
	{"observability.tracing_enabled", false, "Enable distributed tracing"},
	{"observability.trace_sample_ratio", 1.0, "Trace sampling ratio from 0.0 to 1.0"},
	{"observability.sqlcommenter_enabled", true, "Inject trace context into SQL queries"},
	{"observability.logging.level", "info", "Log level (debug, info, warn, error)"},
	{"observability.logging.format", "json", "Log format (json, text)"},
	{"observability.logging.exports_enabled", false, "Enable OTLP log export"},
	{"observability.otlp.endpoint", "localhost:4317", "OTLP endpoint for all signals (e.g., localhost:4317)"},
	{"observability.otlp.protocol", "grpc", "OTLP protocol for all signals (grpc, http/protobuf)"},
	{"observability.otlp.insecure", false, "Use insecure connection (no TLS)"},
	{"observability.otlp.tls_cert_file", "", ""},
	{"observability.otlp.tls_client_cert_file", "", ""},
	{"observability.otlp.tls_client_key_file", "", ""},
	{"observability.otlp.timeout", 10 * time.Second, "OTLP export timeout"},
	{"observability.otlp.compression", "gzip", "OTLP compression (none, gzip)"},
	{"observability.otlp.retry_enabled", true, ""},
	{"observability.otlp.retry_max_attempts", 3, ""},
}
