package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// RequestLogger logs every completed request. Probe and scrape paths are
// logged at debug level so they do not drown the load logs.
func RequestLogger(logger *slog.Logger, quiet ...string) func(http.Handler) http.Handler {
	quietPaths := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		quietPaths[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			level := slog.LevelInfo
			if _, ok := quietPaths[r.URL.Path]; ok {
				level = slog.LevelDebug
			}

			logger.LogAttrs(r.Context(), level, "HTTP request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", rw.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", GetRequestID(r.Context())),
			)
		})
	}
}

// responseWriter captures the status code written by the handler.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
