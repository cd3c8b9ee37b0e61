package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitMeterProvider(t *testing.T) {
	mp, err := InitMeterProvider(Config{ServiceName: "relgraph-test", ServiceVersion: "1.0.0", Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, mp.Exporter())

	metrics, err := InitMetrics(discardLogger())
	require.NoError(t, err)
	require.NotNil(t, metrics.requestDuration)
	require.NotNil(t, metrics.batchFlushes)

	assert.NoError(t, mp.Shutdown(context.Background(), discardLogger()))
}

func TestNewResource_ServiceAttributes(t *testing.T) {
	res, err := newResource(Config{ServiceName: "relgraph", ServiceVersion: "0.3.0", Environment: "staging"})
	require.NoError(t, err)

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "relgraph", attrs["service.name"])
	assert.Equal(t, "0.3.0", attrs["service.version"])
	assert.Equal(t, "staging", attrs["deployment.environment"])
}

func TestParseOTLPProtocol(t *testing.T) {
	tests := []struct {
		in   string
		want otlpProtocol
		err  bool
	}{
		{in: "", want: otlpProtocolGRPC},
		{in: "GRPC", want: otlpProtocolGRPC},
		{in: "http", want: otlpProtocolHTTP},
		{in: " http/protobuf ", want: otlpProtocolHTTP},
		{in: "http/json", err: true},
	}
	for _, tt := range tests {
		got, err := parseOTLPProtocol(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNewExporterSettings(t *testing.T) {
	s, err := newExporterSettings(OTLPExporterConfig{
		Endpoint:         "https://collector.example:4318/v1/traces",
		Protocol:         "http/protobuf",
		Insecure:         true,
		Timeout:          3 * time.Second,
		Compression:      "gzip",
		RetryEnabled:     true,
		RetryMaxAttempts: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, otlpProtocolHTTP, s.protocol)
	assert.True(t, s.endpointURL)
	assert.Nil(t, s.tlsConfig, "insecure exporters carry no TLS config")
	assert.True(t, s.gzip)
	assert.False(t, s.retry, "retry needs a positive attempt budget")

	s, err = newExporterSettings(OTLPExporterConfig{Endpoint: "collector:4317", RetryEnabled: true, RetryMaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, otlpProtocolGRPC, s.protocol)
	assert.False(t, s.endpointURL)
	require.NotNil(t, s.tlsConfig)
	assert.True(t, s.retry)

	_, err = newExporterSettings(OTLPExporterConfig{Protocol: "kafka"})
	assert.Error(t, err)
}

func TestBuildTLSConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not-a-cert"), 0o600))

	tests := []struct {
		name string
		cfg  OTLPExporterConfig
		want string
	}{
		{name: "missing ca", cfg: OTLPExporterConfig{TLSCertFile: filepath.Join(dir, "absent.pem")}, want: "failed to read OTLP TLS CA file"},
		{name: "bad ca", cfg: OTLPExporterConfig{TLSCertFile: garbage}, want: "failed to parse OTLP TLS CA file"},
		{name: "cert without key", cfg: OTLPExporterConfig{TLSClientCertFile: garbage}, want: "must both be set"},
		{name: "bad key pair", cfg: OTLPExporterConfig{TLSClientCertFile: garbage, TLSClientKeyFile: garbage}, want: "failed to load OTLP TLS client certificate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildTLSConfig(tt.cfg)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func sample(sampler sdktrace.Sampler, parent context.Context, id byte) sdktrace.SamplingDecision {
	return sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parent,
		TraceID:       trace.TraceID{id},
		Name:          "graphql.execute",
	}).Decision
}

func TestTraceSamplerForRatio(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, sdktrace.Drop, sample(traceSamplerForRatio(0), ctx, 1))
	assert.Equal(t, sdktrace.RecordAndSample, sample(traceSamplerForRatio(1), ctx, 2))

	remoteParent := func(flags trace.TraceFlags) context.Context {
		return trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    trace.TraceID{9},
			SpanID:     trace.SpanID{1},
			TraceFlags: flags,
			Remote:     true,
		}))
	}
	half := traceSamplerForRatio(0.5)
	assert.Equal(t, sdktrace.RecordAndSample, sample(half, remoteParent(trace.FlagsSampled), 3))
	assert.Equal(t, sdktrace.Drop, sample(half, remoteParent(0), 4))
}
