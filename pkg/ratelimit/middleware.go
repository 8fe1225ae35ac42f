package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"microtoken/pkg/httpx"
)

// KeyFunc derives the limiter key for a request, usually the client address.
type KeyFunc func(*http.Request) string

// Middleware rejects requests over limit per window with 429 and sets the
// X-RateLimit-* headers on every response. onLimited may be nil.
func Middleware(l Limiter, limit int, key KeyFunc, onLimited func(*http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(r.Context(), key(r), limit)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				if onLimited != nil {
					onLimited(r)
				}
				h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.ResetAt)))
				httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(resetAt time.Time) int {
	secs := int(math.Ceil(time.Until(resetAt).Seconds()))
	return max(secs, 1)
}
