package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"
)

// MeterProvider wraps the OpenTelemetry meter provider and its Prometheus reader.
type MeterProvider struct {
	provider *metric.MeterProvider
	exporter *prometheus.Exporter
}

// InitMeterProvider installs a global meter provider backed by a Prometheus exporter.
func InitMeterProvider(cfg Config) (*MeterProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	return &MeterProvider{provider: provider, exporter: exporter}, nil
}

// Shutdown flushes and stops the meter provider.
func (mp *MeterProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "meter", mp.provider.Shutdown)
}

// Exporter returns the Prometheus exporter for metrics HTTP handler
func (mp *MeterProvider) Exporter() *prometheus.Exporter {
	return mp.exporter
}

// TracerProvider wraps the OpenTelemetry tracer provider
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// InitTracerProvider installs a global tracer provider exporting spans over OTLP.
func InitTracerProvider(cfg Config) (*TracerProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	settings, err := newExporterSettings(cfg.OTLPConfig)
	if err != nil {
		return nil, err
	}

	exporter, err := newSpanExporter(context.Background(), settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(traceSamplerForRatio(cfg.TraceSampleRatio)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider}, nil
}

func newSpanExporter(ctx context.Context, s exporterSettings) (sdktrace.SpanExporter, error) {
	if s.protocol == otlpProtocolHTTP {
		opts := []otlptracehttp.Option{}
		if s.endpointURL {
			opts = append(opts, otlptracehttp.WithEndpointURL(s.endpoint))
		} else {
			opts = append(opts, otlptracehttp.WithEndpoint(s.endpoint))
		}
		if s.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		} else {
			opts = append(opts, otlptracehttp.WithTLSClientConfig(s.tlsConfig))
		}
		if len(s.headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(s.headers))
		}
		if s.timeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(s.timeout))
		}
		if s.gzip {
			opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
		}
		if s.retry {
			opts = append(opts, otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
				Enabled:         true,
				InitialInterval: retryInitialInterval,
				MaxInterval:     retryMaxInterval,
				MaxElapsedTime:  retryMaxElapsedTime,
			}))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.endpoint)}
	if s.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(s.tlsConfig)))
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(s.headers))
	}
	if s.timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(s.timeout))
	}
	if s.gzip {
		opts = append(opts, otlptracegrpc.WithCompressor("gzip"))
	}
	if s.retry {
		opts = append(opts, otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: retryInitialInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  retryMaxElapsedTime,
		}))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// traceSamplerForRatio honors the parent's decision for partial ratios so
// one request is never half-traced across services.
func traceSamplerForRatio(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.NeverSample()
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// Shutdown flushes pending spans and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "tracer", tp.provider.Shutdown)
}

// LoggerProvider wraps the OpenTelemetry logger provider
type LoggerProvider struct {
	provider *log.LoggerProvider
}

// InitLoggerProvider builds a logger provider exporting records over OTLP.
// It is not installed globally; the logging package bridges slog into it.
func InitLoggerProvider(cfg Config) (*LoggerProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	settings, err := newExporterSettings(cfg.OTLPConfig)
	if err != nil {
		return nil, err
	}

	exporter, err := newLogExporter(context.Background(), settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}

	provider := log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(log.NewBatchProcessor(exporter)),
	)
	return &LoggerProvider{provider: provider}, nil
}

func newLogExporter(ctx context.Context, s exporterSettings) (log.Exporter, error) {
	if s.protocol == otlpProtocolHTTP {
		opts := []otlploghttp.Option{}
		if s.endpointURL {
			opts = append(opts, otlploghttp.WithEndpointURL(s.endpoint))
		} else {
			opts = append(opts, otlploghttp.WithEndpoint(s.endpoint))
		}
		if s.insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		} else {
			opts = append(opts, otlploghttp.WithTLSClientConfig(s.tlsConfig))
		}
		if len(s.headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(s.headers))
		}
		if s.timeout > 0 {
			opts = append(opts, otlploghttp.WithTimeout(s.timeout))
		}
		if s.gzip {
			opts = append(opts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
		}
		if s.retry {
			opts = append(opts, otlploghttp.WithRetry(otlploghttp.RetryConfig{
				Enabled:         true,
				InitialInterval: retryInitialInterval,
				MaxInterval:     retryMaxInterval,
				MaxElapsedTime:  retryMaxElapsedTime,
			}))
		}
		return otlploghttp.New(ctx, opts...)
	}

	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(s.endpoint)}
	if s.insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	} else {
		opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(s.tlsConfig)))
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(s.headers))
	}
	if s.timeout > 0 {
		opts = append(opts, otlploggrpc.WithTimeout(s.timeout))
	}
	if s.gzip {
		opts = append(opts, otlploggrpc.WithCompressor("gzip"))
	}
	if s.retry {
		opts = append(opts, otlploggrpc.WithRetry(otlploggrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: retryInitialInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  retryMaxElapsedTime,
		}))
	}
	return otlploggrpc.New(ctx, opts...)
}

// Shutdown flushes pending records and stops the logger provider.
func (lp *LoggerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "logger", lp.provider.Shutdown)
}

// Provider returns the underlying logger provider
func (lp *LoggerProvider) Provider() *log.LoggerProvider {
	return lp.provider
}
