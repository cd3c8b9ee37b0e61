package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"relgraph/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingMiddleware_PropagatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: "info", Format: "json", Output: &buf})

	var seen string
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetRequestID(r.Context())
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[]}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	req.Header.Set(RequestIDHeader, "client-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, "client-123", seen)
	assert.Equal(t, "client-123", rr.Header().Get(RequestIDHeader))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "request completed", line["msg"])
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "client-123", line["request_id"])
	assert.EqualValues(t, 400, line["status"])
	assert.EqualValues(t, 13, line["bytes"])
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		keepsOwn bool
	}{
		{name: "absent"},
		{name: "valid", header: "abc-DEF_123", keepsOwn: true},
		{name: "contains space", header: "abc def"},
		{name: "control character", header: "abc\x01"},
		{name: "too long", header: strings.Repeat("a", maxRequestIDLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			got := requestID(req)
			if tt.keepsOwn {
				assert.Equal(t, tt.header, got)
			} else {
				assert.Len(t, got, 36)
				assert.NotEqual(t, tt.header, got)
			}
		})
	}
}
