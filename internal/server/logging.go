package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// requestLogger logs one line per request after the handler returns.
// Errors surface as elevated levels so operators can filter on severity.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			evt := logger.Info()
			if rec.status >= http.StatusInternalServerError {
				evt = logger.Error()
			} else if rec.status >= http.StatusBadRequest {
				evt = logger.Warn()
			}
			evt.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("handled request")
		})
	}
}

// routePattern returns the chi route template so metric labels stay low
// cardinality, falling back to the raw path before routing completes.
func routePattern(r *http.Request) string {
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		if pattern := ctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
