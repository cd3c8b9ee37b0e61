package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a global token bucket limiter.
type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

const rateLimitedBody = `{"errors":[{"message":"rate limit exceeded","extensions":{"code":"RATE_LIMITED"}}]}`

// RateLimitMiddleware enforces one token bucket shared by every request
// through the handler. Rejected requests get 429 with a GraphQL-shaped
// error body and a Retry-After of the seconds until the next token.
func RateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), max(cfg.Burst, 1))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			reservation := limiter.ReserveN(now, 1)
			if reservation.OK() && reservation.DelayFrom(now) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			wait := time.Second
			if reservation.OK() {
				wait = reservation.DelayFrom(now)
				reservation.CancelAt(now)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(rateLimitedBody))
		})
	}
}

func retryAfterSeconds(wait time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(wait.Seconds()))))
}
