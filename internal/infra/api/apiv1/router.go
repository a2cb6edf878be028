package apiv1

import (
	"net/http"
	"time"

	"content-pipeline/internal/infra/api"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	Server *Server
	Auth   *api.Authenticator
	// Limiter is optional; without it nothing is rate limited.
	Limiter        api.Limiter
	RateLimit      int
	RateWindow     time.Duration
	RequestTimeout time.Duration
	CORSOrigins    []string
	// Metrics is served behind auth when set.
	Metrics http.Handler
}

// NewRouter builds the full HTTP surface: the public health check and the
// authenticated job API.
func NewRouter(d RouterDeps, logger *zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(api.TraceID(logger), api.RequestLog(logger), api.Recover(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var limit api.Middleware
	if d.Limiter != nil {
		limit = api.RateLimit(d.Limiter, d.RateLimit, d.RateWindow, logger)
	}
	r.Group(func(r chi.Router) {
		r.Use(d.Auth.Middleware)
		if d.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", d.Metrics)
		}
		RegisterAPIV1(r, d.Server, d.RequestTimeout, limit)
	})

	if len(d.CORSOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Last-Event-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Location"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler(r)
}
