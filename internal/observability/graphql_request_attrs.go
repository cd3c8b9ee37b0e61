package observability

import (
	"context"
	"log/slog"

	"relgraph/internal/gqlrequest"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GraphQLSpanAttributes builds canonical span attributes from request analysis.
func GraphQLSpanAttributes(analysis *gqlrequest.Analysis) []attribute.KeyValue {
	if analysis == nil {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, 7)

	if analysis.Envelope.OperationName != "" {
		attrs = append(attrs, attribute.String("graphql.operation.requested_name", analysis.Envelope.OperationName))
	}
	if analysis.OperationName != "" {
		attrs = append(attrs, attribute.String("graphql.operation.name", analysis.OperationName))
	}
	if analysis.OperationType != "" {
		attrs = append(attrs, attribute.String("graphql.operation.type", analysis.OperationType))
	}
	if analysis.OperationHash != "" {
		attrs = append(attrs, attribute.String("graphql.operation.hash", analysis.OperationHash))
	}
	if analysis.Envelope.DocumentSizeBytes > 0 {
		attrs = append(attrs, attribute.Int("graphql.document.size_bytes", analysis.Envelope.DocumentSizeBytes))
	}
	if analysis.Operation != nil {
		attrs = append(attrs,
			attribute.Int("graphql.query.field_count", analysis.FieldCount),
			attribute.Int("graphql.query.depth", analysis.SelectionDepth),
		)
	}
	return attrs
}

// GraphQLLogFields builds canonical structured log fields from request analysis.
func GraphQLLogFields(ctx context.Context, analysis *gqlrequest.Analysis) []any {
	fields := make([]any, 0, 5)

	if analysis != nil {
		if analysis.OperationName != "" {
			fields = append(fields, slog.String("operation_name", analysis.OperationName))
		}
		if analysis.OperationType != "" {
			fields = append(fields, slog.String("operation_type", analysis.OperationType))
		}
		if analysis.OperationHash != "" {
			fields = append(fields, slog.String("operation_hash", analysis.OperationHash))
		}
		if analysis.Operation != nil {
			fields = append(fields, slog.Int("depth", analysis.SelectionDepth))
		}
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		fields = append(fields, slog.String("trace_id", spanCtx.TraceID().String()))
	}

	return fields
}
