package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ferryman/internal/reliability"
)

// NewRouter assembles the acceptance API. metricsHandler may be nil;
// limiter may be nil to disable ingress rate limiting.
func NewRouter(handler *Handler, limiter *reliability.RateLimiter, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.With(rateLimit(limiter)).Post("/transfers", handler.CreateTransfer)
	r.Get("/transfers/{id}", handler.GetTransfer)
	r.Get("/sagas/{id}", handler.GetTransfer)
	r.Get("/ws", handler.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}
	return r
}

// rateLimit blocks the request until the limiter yields a token. A
// canceled request gets 503 rather than entering the store.
func rateLimit(limiter *reliability.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil {
				if err := limiter.Wait(r.Context()); err != nil {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
