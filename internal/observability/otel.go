// Package observability provides OpenTelemetry integration for metrics, tracing, and logging.
// Traces and logs are exported over OTLP (gRPC or HTTP); metrics are scraped through Prometheus.
package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName      string
	ServiceVersion   string
	Environment      string
	TraceSampleRatio float64
	OTLPConfig       OTLPExporterConfig
}

// OTLPExporterConfig holds OTLP exporter configuration options
type OTLPExporterConfig struct {
	Endpoint          string
	Protocol          string
	Insecure          bool
	TLSCertFile       string
	TLSClientCertFile string
	TLSClientKeyFile  string
	Headers           map[string]string
	Timeout           time.Duration
	Compression       string
	RetryEnabled      bool
	RetryMaxAttempts  int
}

const providerShutdownTimeout = 5 * time.Second

type otlpProtocol string

const (
	otlpProtocolGRPC otlpProtocol = "grpc"
	otlpProtocolHTTP otlpProtocol = "http/protobuf"
)

func parseOTLPProtocol(value string) (otlpProtocol, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(otlpProtocolGRPC):
		return otlpProtocolGRPC, nil
	case "http", string(otlpProtocolHTTP):
		return otlpProtocolHTTP, nil
	default:
		return "", fmt.Errorf("unsupported OTLP protocol %q (use grpc or http/protobuf)", value)
	}
}

// newResource describes this process to every provider. The resource is
// schemaless so it merges with resource.Default regardless of semconv version.
func newResource(cfg Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// exporterSettings is the signal-independent form of an OTLP exporter
// config. Each signal translates it into its own exporter options.
type exporterSettings struct {
	protocol    otlpProtocol
	endpoint    string
	endpointURL bool
	insecure    bool
	tlsConfig   *tls.Config
	headers     map[string]string
	timeout     time.Duration
	gzip        bool
	retry       bool
}

// Retry bounds shared by every OTLP exporter.
const (
	retryInitialInterval = time.Second
	retryMaxInterval     = 5 * time.Second
	retryMaxElapsedTime  = 30 * time.Second
)

func newExporterSettings(cfg OTLPExporterConfig) (exporterSettings, error) {
	protocol, err := parseOTLPProtocol(cfg.Protocol)
	if err != nil {
		return exporterSettings{}, err
	}
	settings := exporterSettings{
		protocol:    protocol,
		endpoint:    cfg.Endpoint,
		endpointURL: strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://"),
		insecure:    cfg.Insecure,
		headers:     cfg.Headers,
		timeout:     cfg.Timeout,
		gzip:        cfg.Compression == "gzip",
		retry:       cfg.RetryEnabled && cfg.RetryMaxAttempts > 0,
	}
	if !cfg.Insecure {
		settings.tlsConfig, err = buildTLSConfig(cfg)
		if err != nil {
			return exporterSettings{}, err
		}
	}
	return settings, nil
}

func buildTLSConfig(cfg OTLPExporterConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSCertFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read OTLP TLS CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse OTLP TLS CA file")
		}
		tlsConfig.RootCAs = pool
	}

	// mTLS
	if cfg.TLSClientCertFile != "" || cfg.TLSClientKeyFile != "" {
		if cfg.TLSClientCertFile == "" || cfg.TLSClientKeyFile == "" {
			return nil, fmt.Errorf("OTLP TLS client cert and key must both be set")
		}
		cert, err := tls.LoadX509KeyPair(cfg.TLSClientCertFile, cfg.TLSClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load OTLP TLS client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// shutdownProvider bounds fn by providerShutdownTimeout and logs the outcome.
func shutdownProvider(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, providerShutdownTimeout)
	defer cancel()

	if err := fn(shutdownCtx); err != nil {
		logger.Error("failed to shutdown "+name+" provider", slog.String("error", err.Error()))
		return err
	}
	logger.Info(name + " provider shutdown successfully")
	return nil
}
