package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// RequestLogging logs method, path, status, and duration for every request.
// Grounded on original_source/src/auth/request_logging_middleware.py's
// start-time/status-wrapper/finally shape, rendered with the teacher's
// log/slog idiom instead of Python logging.
func RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
