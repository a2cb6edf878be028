package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"content-pipeline/internal/infra/logging"
	"content-pipeline/internal/infra/metrics"
	red "content-pipeline/internal/infra/redis"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateLimit caps requests per actor and route. It fails open when the
// limiter itself errors.
func RateLimit(l Limiter, limit int, window time.Duration, logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		if l == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			actor := logging.Actor(r.Context())
			ok, err := l.Allow(r.Context(), red.CallerKey(actor, r.Method+" "+route), limit, window)
			if err != nil {
				logging.With(r.Context(), logger).Warn().Err(err).Msg("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				metrics.IncRateLimited()
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				WriteError(w, http.StatusTooManyRequests, "RateLimited", "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
