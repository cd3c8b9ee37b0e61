package main

import (
	"bytes"
	"log/slog"
	"testing"

	"relgraph/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func validConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:                8080,
			GraphQLMaxDepth:     8,
			GraphQLMaxBodyBytes: 1 << 20,
			TLSMode:             "off",
		},
		Observability: config.ObservabilityConfig{
			ServiceName: "relgraph",
			Logging:     config.LoggingConfig{Level: "info", Format: "json"},
		},
		Model:   config.ModelConfig{Source: config.ModelSourceFile},
		Storage: config.StorageConfig{Backend: config.StorageBackendMemory, MaxInClause: 1000},
		Loader:  config.LoaderConfig{MaxConcurrentFlushes: 4},
	}
}

func TestValidateConfig_Valid(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, validateConfig(validConfig(), bufferLogger(&buf)))
	assert.NotContains(t, buf.String(), "configuration error")
}

func TestValidateConfig_LogsErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Backend = "redis"

	var buf bytes.Buffer
	err := validateConfig(cfg, bufferLogger(&buf))
	require.Error(t, err)

	var result *config.ValidationResult
	require.ErrorAs(t, err, &result)
	assert.Equal(t, "storage.backend", result.Errors[0].Field)
	assert.Contains(t, buf.String(), "configuration error")
	assert.Contains(t, buf.String(), "storage.backend")
}

func TestValidateConfig_WarningsDoNotFail(t *testing.T) {
	cfg := validConfig()
	cfg.Model.Source = config.ModelSourceDatabase
	cfg.Model.File = "ignored.yaml"
	cfg.Storage.Backend = config.StorageBackendMySQL
	cfg.Database = config.DatabaseConfig{
		Host:     "127.0.0.1",
		Port:     4000,
		User:     "root",
		Database: "news",
		TLS:      config.DatabaseTLSConfig{Mode: "off"},
		Pool:     config.PoolConfig{MaxOpen: 10, MaxIdle: 5},
	}

	var buf bytes.Buffer
	require.NoError(t, validateConfig(cfg, bufferLogger(&buf)))
	assert.Contains(t, buf.String(), "configuration warning")
	assert.Contains(t, buf.String(), "model.file")
}
