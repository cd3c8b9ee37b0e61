package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relgraph/internal/loader"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GraphQLMetrics holds custom metrics for GraphQL requests and the
// relationship loader.
type GraphQLMetrics struct {
	requestDuration metric.Float64Histogram
	requestCounter  metric.Int64Counter
	errorCounter    metric.Int64Counter
	activeRequests  metric.Int64UpDownCounter
	queryDepth      metric.Int64Histogram

	batchParentCount metric.Int64Histogram
	batchResultRows  metric.Int64Histogram
	batchDuration    metric.Float64Histogram
	batchFlushes     metric.Int64Counter

	filterFallbacks metric.Int64Counter
}

var _ loader.Recorder = (*GraphQLMetrics)(nil)

// InitGraphQLMetrics creates the GraphQL and loader instruments on the global
// meter provider.
func InitGraphQLMetrics() (*GraphQLMetrics, error) {
	b := &instrumentBuilder{meter: otel.Meter("relgraph")}
	m := &GraphQLMetrics{
		requestDuration: b.milliseconds("graphql.request.duration", "Duration of GraphQL requests in milliseconds"),
		requestCounter:  b.counter("graphql.requests.total", "Total number of GraphQL requests"),
		errorCounter:    b.counter("graphql.errors.total", "Total number of GraphQL requests that returned errors"),
		activeRequests:  b.gauge("graphql.requests.active", "Number of active GraphQL requests"),
		queryDepth:      b.histogram("graphql.query.depth", "Selection depth of GraphQL operations"),

		batchParentCount: b.histogram("graphql.batch.parent_count", "Number of parent keys included in a loader flush"),
		batchResultRows:  b.histogram("graphql.batch.result_rows", "Number of rows returned by a loader flush"),
		batchDuration:    b.milliseconds("graphql.batch.duration", "Duration of loader flushes in milliseconds"),
		batchFlushes:     b.counter("graphql.batch.flushes", "Number of loader flushes by outcome"),

		filterFallbacks: b.counter("graphql.filter.fallbacks", "Number of filter operators compiled as eq"),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// instrumentBuilder creates instruments and keeps every creation error.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) record(name string, err error) {
	if err != nil {
		b.err = errors.Join(b.err, fmt.Errorf("failed to create %s: %w", name, err))
	}
}

func (b *instrumentBuilder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.record(name, err)
	return c
}

func (b *instrumentBuilder) gauge(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.record(name, err)
	return c
}

func (b *instrumentBuilder) histogram(name, desc string) metric.Int64Histogram {
	h, err := b.meter.Int64Histogram(name, metric.WithDescription(desc))
	b.record(name, err)
	return h
}

func (b *instrumentBuilder) milliseconds(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	b.record(name, err)
	return h
}

// RecordRequest records one finished GraphQL request.
func (m *GraphQLMetrics) RecordRequest(ctx context.Context, duration time.Duration, hasErrors bool, operationType string) {
	operation := attribute.String("operation_type", operationType)
	outcome := metric.WithAttributes(operation, attribute.Bool("has_errors", hasErrors))

	m.requestDuration.Record(ctx, float64(duration.Microseconds())/1000, outcome)
	m.requestCounter.Add(ctx, 1, outcome)
	if hasErrors {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(operation))
	}
}

// RecordQueryDepth records the depth of a GraphQL query
func (m *GraphQLMetrics) RecordQueryDepth(ctx context.Context, depth int64, operationType string) {
	m.queryDepth.Record(ctx, depth, metric.WithAttributes(
		attribute.String("operation_type", operationType),
	))
}

// RecordLoaderFlush records one loader store call.
func (m *GraphQLMetrics) RecordLoaderFlush(ctx context.Context, record loader.FlushRecord) {
	relationship := attribute.String("relationship", record.Entity+"."+record.Relationship)
	m.batchParentCount.Record(ctx, int64(record.Parents), metric.WithAttributes(relationship))
	m.batchResultRows.Record(ctx, int64(record.Rows), metric.WithAttributes(relationship))
	m.batchDuration.Record(ctx, float64(record.Duration.Microseconds())/1000, metric.WithAttributes(relationship))
	m.batchFlushes.Add(ctx, 1, metric.WithAttributes(
		relationship,
		attribute.String("outcome", record.Outcome),
	))
}

// RecordFilterFallback counts an operator the filter compiler replaced with eq.
func (m *GraphQLMetrics) RecordFilterFallback(ctx context.Context, entity, operator string) {
	m.filterFallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operator", operator),
	))
}

// IncrementActiveRequests increments the active requests counter
func (m *GraphQLMetrics) IncrementActiveRequests(ctx context.Context) {
	m.activeRequests.Add(ctx, 1)
}

// DecrementActiveRequests decrements the active requests counter
func (m *GraphQLMetrics) DecrementActiveRequests(ctx context.Context) {
	m.activeRequests.Add(ctx, -1)
}

// InitMetrics initializes all custom metrics and returns the GraphQLMetrics instance
func InitMetrics(logger *slog.Logger) (*GraphQLMetrics, error) {
	metrics, err := InitGraphQLMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GraphQL metrics: %w", err)
	}

	logger.Info("custom GraphQL metrics initialized")
	return metrics, nil
}
