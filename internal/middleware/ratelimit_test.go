package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	handler := RateLimitMiddleware(RateLimitConfig{Enabled: false, RPS: 0.001})(okHandler())

	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/graphql", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	}
}

func TestRateLimitMiddleware_BurstExceeded(t *testing.T) {
	handler := RateLimitMiddleware(RateLimitConfig{Enabled: true, RPS: 1, Burst: 2})(okHandler())

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/graphql", nil))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/graphql", nil))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.JSONEq(t, rateLimitedBody, rr.Body.String())
}

func TestRateLimitMiddleware_RejectionsDoNotConsumeTokens(t *testing.T) {
	handler := RateLimitMiddleware(RateLimitConfig{Enabled: true, RPS: 0.1, Burst: 1})(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/graphql", nil))
		codes = append(codes, rr.Code)
		if rr.Code == http.StatusTooManyRequests {
			assert.Equal(t, "10", rr.Header().Get("Retry-After"), "slow buckets report the full wait")
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "1", retryAfterSeconds(0))
	assert.Equal(t, "1", retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, "3", retryAfterSeconds(2100*time.Millisecond))
}
