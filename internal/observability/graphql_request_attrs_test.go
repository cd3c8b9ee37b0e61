package observability

import (
	"context"
	"log/slog"
	"testing"

	"relgraph/internal/gqlrequest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestGraphQLSpanAttributes(t *testing.T) {
	analysis := gqlrequest.AnalyzeEnvelope(gqlrequest.Envelope{
		Query:             "query Q { feeds { id articles { id } } }",
		OperationName:     "Q",
		DocumentSizeBytes: 40,
	})
	require.NoError(t, analysis.Err())

	attrs := GraphQLSpanAttributes(analysis)
	values := map[attribute.Key]attribute.Value{}
	for _, kv := range attrs {
		values[kv.Key] = kv.Value
	}

	assert.Equal(t, "Q", values["graphql.operation.requested_name"].AsString())
	assert.Equal(t, "Q", values["graphql.operation.name"].AsString())
	assert.Equal(t, "query", values["graphql.operation.type"].AsString())
	assert.NotEmpty(t, values["graphql.operation.hash"].AsString())
	assert.Equal(t, int64(40), values["graphql.document.size_bytes"].AsInt64())
	assert.Equal(t, int64(3), values["graphql.query.depth"].AsInt64())
	assert.Equal(t, int64(4), values["graphql.query.field_count"].AsInt64())
}

func TestGraphQLSpanAttributesNilAnalysis(t *testing.T) {
	assert.Empty(t, GraphQLSpanAttributes(nil))
}

func TestGraphQLLogFieldsIncludesTraceID(t *testing.T) {
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3},
		SpanID:  trace.SpanID{4, 5, 6},
		Remote:  true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)
	fields := GraphQLLogFields(ctx, &gqlrequest.Analysis{
		OperationName: "Q",
		OperationType: "query",
		OperationHash: "hash123",
	})

	var traceID string
	for _, f := range fields {
		if attr, ok := f.(slog.Attr); ok && attr.Key == "trace_id" {
			traceID = attr.Value.String()
		}
	}
	assert.Equal(t, spanCtx.TraceID().String(), traceID)
	assert.Len(t, fields, 4)
}
