package config

import (
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseConfig_DSN_DiscreteFields(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.example.com",
		Port:     3306,
		User:     "admin",
		Password: "p@ss:w0rd!",
		Database: "news",
	}

	parsed, err := mysql.ParseDSN(cfg.DSN())
	require.NoError(t, err)
	assert.Equal(t, "admin", parsed.User)
	assert.Equal(t, "p@ss:w0rd!", parsed.Passwd)
	assert.Equal(t, "tcp", parsed.Net)
	assert.Equal(t, "db.example.com:3306", parsed.Addr)
	assert.Equal(t, "news", parsed.DBName)
	assert.True(t, parsed.ParseTime)
	assert.Equal(t, time.UTC, parsed.Loc)
}

func TestDatabaseConfig_DSN_ConnectionString(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name:     "bare",
			config:   DatabaseConfig{ConnectionString: "root:pw@tcp(h:4000)/app"},
			expected: "root:pw@tcp(h:4000)/app?parseTime=true&loc=UTC",
		},
		{
			name:     "existing params",
			config:   DatabaseConfig{ConnectionString: "root:pw@tcp(h:4000)/app?charset=utf8mb4"},
			expected: "root:pw@tcp(h:4000)/app?charset=utf8mb4&parseTime=true&loc=UTC",
		},
		{
			name:     "parseTime kept",
			config:   DatabaseConfig{ConnectionString: "root:pw@tcp(h:4000)/app?parseTime=false&loc=Local"},
			expected: "root:pw@tcp(h:4000)/app?parseTime=false&loc=Local",
		},
		{
			name: "tls mode appended",
			config: DatabaseConfig{
				ConnectionString: "root:pw@tcp(h:4000)/app",
				TLS:              DatabaseTLSConfig{Mode: "skip-verify"},
			},
			expected: "root:pw@tcp(h:4000)/app?parseTime=true&loc=UTC&tls=skip-verify",
		},
		{
			name: "explicit tls wins",
			config: DatabaseConfig{
				ConnectionString: "root:pw@tcp(h:4000)/app?tls=true",
				TLS:              DatabaseTLSConfig{Mode: "verify-full"},
			},
			expected: "root:pw@tcp(h:4000)/app?tls=true&parseTime=true&loc=UTC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func TestDatabaseConfig_EffectiveDatabaseName(t *testing.T) {
	tests := []struct {
		name    string
		config  DatabaseConfig
		want    string
		wantErr string
	}{
		{name: "database field", config: DatabaseConfig{Database: "news"}, want: "news"},
		{name: "from dsn", config: DatabaseConfig{ConnectionString: "u:p@tcp(h:4000)/fromdsn"}, want: "fromdsn"},
		{name: "matching", config: DatabaseConfig{Database: "news", ConnectionString: "u:p@tcp(h:4000)/news"}, want: "news"},
		{name: "mismatch", config: DatabaseConfig{Database: "news", ConnectionString: "u:p@tcp(h:4000)/other"}, wantErr: "mismatch"},
		{name: "none", config: DatabaseConfig{}, wantErr: "no database configured"},
		{name: "invalid dsn", config: DatabaseConfig{ConnectionString: "not a dsn"}, wantErr: "database.dsn is invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.config.EffectiveDatabaseName()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDatabaseConfig_RegisterTLS_NoopForSimpleModes(t *testing.T) {
	for _, mode := range []string{"", "off", "skip-verify"} {
		cfg := DatabaseConfig{TLS: DatabaseTLSConfig{Mode: mode}}
		assert.NoError(t, cfg.RegisterTLS(), mode)
	}
}

func TestDatabaseConfig_RegisterTLS_MissingCAFile(t *testing.T) {
	cfg := DatabaseConfig{TLS: DatabaseTLSConfig{Mode: "verify-ca", CAFile: "/nonexistent/ca.pem"}}
	err := cfg.RegisterTLS()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read CA file")
}

func TestDatabaseTLSConfig_EnvIndirection(t *testing.T) {
	t.Setenv("RELGRAPH_TEST_CA", "/from/env/ca.pem")
	tlsCfg := DatabaseTLSConfig{CAFile: "/from/config/ca.pem", CAFileEnv: "RELGRAPH_TEST_CA"}
	assert.Equal(t, "/from/env/ca.pem", tlsCfg.resolveCAFile())

	tlsCfg.CAFileEnv = "RELGRAPH_TEST_UNSET_CA"
	assert.Equal(t, "/from/config/ca.pem", tlsCfg.resolveCAFile())
}

func TestObservabilityConfig_SignalOverrides(t *testing.T) {
	cfg := ObservabilityConfig{
		OTLP: OTLPConfig{
			Endpoint:         "collector:4317",
			Protocol:         "grpc",
			Headers:          map[string]string{"x-team": "graph"},
			Timeout:          10 * time.Second,
			Compression:      "gzip",
			RetryEnabled:     true,
			RetryMaxAttempts: 3,
		},
		Traces: &OTLPConfig{
			Endpoint: "http://tempo:4318",
			Protocol: "http/protobuf",
			Insecure: true,
			Headers:  map[string]string{"x-tenant": "a"},
		},
	}

	traces := cfg.GetTracesConfig()
	assert.Equal(t, "http://tempo:4318", traces.Endpoint)
	assert.Equal(t, "http/protobuf", traces.Protocol)
	assert.True(t, traces.Insecure)
	assert.Equal(t, map[string]string{"x-team": "graph", "x-tenant": "a"}, traces.Headers)
	assert.Equal(t, 10*time.Second, traces.Timeout)
	assert.Equal(t, 3, traces.RetryMaxAttempts)

	assert.Equal(t, cfg.OTLP, cfg.GetLogsConfig())
	assert.Equal(t, cfg.OTLP, cfg.GetMetricsConfig())
}

func TestModelConfig_Naming(t *testing.T) {
	m := ModelConfig{PluralOverrides: map[string]string{"Person": "People"}}
	n := m.Naming()
	assert.Equal(t, "People", n.PluralOverrides["Person"])
	assert.NotNil(t, n.SingularOverrides)
}

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     4000,
			User:     "root",
			Database: "news",
			TLS:      DatabaseTLSConfig{Mode: "off"},
			Pool:     PoolConfig{MaxOpen: 25, MaxIdle: 5},
		},
		Server: ServerConfig{Port: 8080},
		Observability: ObservabilityConfig{
			TraceSampleRatio: 1,
			Logging:          LoggingConfig{Level: "info", Format: "json"},
			OTLP:             OTLPConfig{Protocol: "grpc", Compression: "gzip"},
		},
		Model:   ModelConfig{Source: ModelSourceFile},
		Storage: StorageConfig{Backend: StorageBackendMemory, MaxInClause: 1000},
		Loader:  LoaderConfig{MaxConcurrentFlushes: 4},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		wantField   string
		wantWarning string
	}{
		{name: "valid"},
		{
			name:      "unknown storage backend",
			mutate:    func(c *Config) { c.Storage.Backend = "postgres" },
			wantField: "storage.backend",
		},
		{
			name:      "unknown model source",
			mutate:    func(c *Config) { c.Model.Source = "http" },
			wantField: "model.source",
		},
		{
			name: "bad table glob",
			mutate: func(c *Config) {
				c.Model.Source = ModelSourceDatabase
				c.Storage.Backend = StorageBackendMySQL
				c.Model.Filters.DenyTables = []string{"audit_["}
			},
			wantField: "model.filters.deny_tables",
		},
		{
			name: "empty column pattern",
			mutate: func(c *Config) {
				c.Model.Source = ModelSourceDatabase
				c.Storage.Backend = StorageBackendMySQL
				c.Model.Filters.DenyColumns = map[string][]string{"users": {""}}
			},
			wantField: "model.filters.deny_columns.users",
		},
		{
			name:        "filters ignored for file model",
			mutate:      func(c *Config) { c.Model.Filters.AllowTables = []string{"articles"} },
			wantWarning: "model.filters",
		},
		{
			name:      "zero in clause",
			mutate:    func(c *Config) { c.Storage.MaxInClause = 0 },
			wantField: "storage.max_in_clause",
		},
		{
			name:      "zero concurrent flushes",
			mutate:    func(c *Config) { c.Loader.MaxConcurrentFlushes = 0 },
			wantField: "loader.max_concurrent_flushes",
		},
		{
			name:      "empty plural override",
			mutate:    func(c *Config) { c.Model.PluralOverrides = map[string]string{"Person": " "} },
			wantField: "model.plural_overrides",
		},
		{
			name: "database checked for mysql backend",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageBackendMySQL
				c.Database.Port = 0
			},
			wantField: "database.port",
		},
		{
			name: "database checked for introspected model",
			mutate: func(c *Config) {
				c.Model.Source = ModelSourceDatabase
				c.Storage.Backend = StorageBackendMySQL
				c.Database.Database = ""
			},
			wantField: "database.database",
		},
		{
			name:   "database ignored for memory backend",
			mutate: func(c *Config) { c.Database.Port = 0 },
		},
		{
			name: "verify-ca needs ca file",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageBackendMySQL
				c.Database.TLS.Mode = "verify-ca"
			},
			wantField: "database.tls.ca_file",
		},
		{
			name: "retry interval required with timeout",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageBackendMySQL
				c.Database.ConnectionTimeout = time.Minute
			},
			wantField: "database.connection_retry_interval",
		},
		{
			name:      "server port",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantField: "server.port",
		},
		{
			name:      "negative depth",
			mutate:    func(c *Config) { c.Server.GraphQLMaxDepth = -1 },
			wantField: "server.graphql_max_depth",
		},
		{
			name:      "rate limit without rps",
			mutate:    func(c *Config) { c.Server.RateLimitEnabled = true; c.Server.RateLimitBurst = 5 },
			wantField: "server.rate_limit_rps",
		},
		{
			name: "cors wildcard with credentials",
			mutate: func(c *Config) {
				c.Server.CORSEnabled = true
				c.Server.CORSAllowedOrigins = []string{"*"}
				c.Server.CORSAllowCredentials = true
			},
			wantField: "server.cors_allowed_origins",
		},
		{
			name:      "tls file mode without files",
			mutate:    func(c *Config) { c.Server.TLSMode = "file" },
			wantField: "server.tls_cert_file",
		},
		{
			name:      "log level",
			mutate:    func(c *Config) { c.Observability.Logging.Level = "verbose" },
			wantField: "observability.logging.level",
		},
		{
			name:      "sample ratio",
			mutate:    func(c *Config) { c.Observability.TraceSampleRatio = 2 },
			wantField: "observability.trace_sample_ratio",
		},
		{
			name: "http endpoint",
			mutate: func(c *Config) {
				c.Observability.Traces = &OTLPConfig{Protocol: "http/protobuf", Endpoint: "no-port"}
			},
			wantField: "observability.traces.endpoint",
		},
		{
			name:        "rate limit values while disabled",
			mutate:      func(c *Config) { c.Server.RateLimitRPS = 10 },
			wantWarning: "server.rate_limit_enabled",
		},
		{
			name:        "memory backend with introspected model",
			mutate:      func(c *Config) { c.Model.Source = ModelSourceDatabase },
			wantWarning: "storage.backend",
		},
		{
			name: "skip-verify warns",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageBackendMySQL
				c.Database.TLS.Mode = "skip-verify"
			},
			wantWarning: "database.tls.mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			result := cfg.Validate()

			if tt.wantField == "" {
				assert.False(t, result.HasErrors(), result.Error())
			} else {
				require.True(t, result.HasErrors())
				assert.Contains(t, result.Error(), tt.wantField)
			}

			if tt.wantWarning != "" {
				var fields []string
				for _, w := range result.Warnings {
					fields = append(fields, w.Field)
				}
				assert.Contains(t, fields, tt.wantWarning)
			}
		})
	}
}

func TestIssue_Error(t *testing.T) {
	err := Issue{Field: "server.port", Message: "bad", Hint: "use 8080"}
	assert.Equal(t, "server.port: bad (hint: use 8080)", err.Error())
	assert.Equal(t, "server.port: bad", Issue{Field: "server.port", Message: "bad"}.Error())
}
