package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// tlsConfigName is the name used to register custom TLS configs with the MySQL driver.
const tlsConfigName = "relgraph-custom"

// DSN returns a MySQL-compatible data source name.
// ConnectionString is used as given with parseTime, loc and tls appended when
// missing; otherwise the DSN is built from the discrete fields.
func (d *DatabaseConfig) DSN() string {
	tlsParam := d.effectiveTLSParam()

	if d.ConnectionString == "" {
		cfg := mysql.NewConfig()
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", d.Host, d.Port)
		cfg.DBName = d.Database
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		cfg.TLSConfig = tlsParam
		return cfg.FormatDSN()
	}

	dsn := d.ConnectionString
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.Contains(dsn, "parseTime") {
		dsn += sep + "parseTime=true"
		sep = "&"
	}
	if !strings.Contains(dsn, "loc=") {
		dsn += sep + "loc=UTC"
		sep = "&"
	}
	if tlsParam != "" && !strings.Contains(dsn, "tls=") {
		dsn += sep + "tls=" + tlsParam
	}
	return dsn
}

// EffectiveDatabaseName returns the schema name used for introspection.
func (d *DatabaseConfig) EffectiveDatabaseName() (string, error) {
	dsnDatabase, err := parseDSNDatabaseName(d.ConnectionString)
	if err != nil {
		return "", err
	}
	configDatabase := strings.TrimSpace(d.Database)
	switch {
	case configDatabase != "" && dsnDatabase != "" && configDatabase != dsnDatabase:
		return "", fmt.Errorf(
			"database mismatch: database.database=%q but database.dsn targets %q",
			configDatabase,
			dsnDatabase,
		)
	case configDatabase != "":
		return configDatabase, nil
	case dsnDatabase != "":
		return dsnDatabase, nil
	default:
		return "", fmt.Errorf("no database configured: set database.database or include /<database> in database.dsn")
	}
}

func parseDSNDatabaseName(connectionString string) (string, error) {
	dsn := strings.TrimSpace(connectionString)
	if dsn == "" {
		return "", nil
	}

	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("database.dsn is invalid: %w", err)
	}
	return strings.TrimSpace(parsed.DBName), nil
}

// effectiveTLSParam returns the tls DSN parameter for the configured mode,
// or "" when no parameter should be added.
func (d *DatabaseConfig) effectiveTLSParam() string {
	switch d.TLS.Mode {
	case "":
		return ""
	case "off":
		return "false"
	case "skip-verify":
		return "skip-verify"
	case "verify-ca", "verify-full":
		return tlsConfigName
	default:
		return d.TLS.Mode
	}
}

// RegisterTLS registers a custom TLS configuration with the MySQL driver.
// Must be called before opening the connection in verify-ca or verify-full mode.
func (d *DatabaseConfig) RegisterTLS() error {
	if d.TLS.Mode != "verify-ca" && d.TLS.Mode != "verify-full" {
		return nil
	}

	tlsCfg, err := d.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}
	if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
		return fmt.Errorf("failed to register TLS config: %w", err)
	}
	return nil
}

func (d *DatabaseConfig) buildTLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile := d.TLS.resolveCAFile(); caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %q: %w", caFile, err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
		}
		tlsCfg.RootCAs = certPool
	}

	certFile := d.TLS.resolveCertFile()
	keyFile := d.TLS.resolveKeyFile()
	switch {
	case certFile != "" && keyFile != "":
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	case certFile != "" || keyFile != "":
		return nil, fmt.Errorf("both cert_file and key_file must be specified for client certificate authentication")
	}

	if d.TLS.Mode == "verify-full" && d.TLS.ServerName != "" {
		tlsCfg.ServerName = d.TLS.ServerName
	}
	return tlsCfg, nil
}

func (t *DatabaseTLSConfig) resolveCAFile() string {
	return envOr(t.CAFileEnv, t.CAFile)
}

func (t *DatabaseTLSConfig) resolveCertFile() string {
	return envOr(t.CertFileEnv, t.CertFile)
}

func (t *DatabaseTLSConfig) resolveKeyFile() string {
	return envOr(t.KeyFileEnv, t.KeyFile)
}

// envOr returns the value of the env var named by envName, or fallback when unset.
func envOr(envName, fallback string) string {
	if envName != "" {
		if path := os.Getenv(envName); path != "" {
			return path
		}
	}
	return fallback
}
