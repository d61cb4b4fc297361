package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/goccy/go-json"
)

// Recovery turns a handler panic into a 500 problem response.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				if rec == http.ErrAbortHandler { //nolint:errorlint,err113 // sentinel panic value
					panic(rec)
				}

				requestID := GetRequestID(r.Context())

				logger.Error("HTTP request panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("request_id", requestID),
					slog.Any("panic", rec),
					slog.String("stack_trace", string(debug.Stack())),
				)

				problem := struct {
					Title     string `json:"title"`
					Status    int    `json:"status"`
					Detail    string `json:"detail"`
					Instance  string `json:"instance"`
					RequestID string `json:"request_id"`
				}{
					Title:     "Internal Server Error",
					Status:    http.StatusInternalServerError,
					Detail:    "An unexpected error occurred while processing the request",
					Instance:  r.URL.Path,
					RequestID: requestID,
				}

				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusInternalServerError)

				if err := json.NewEncoder(w).Encode(problem); err != nil {
					logger.Error("Failed to encode error response",
						slog.String("error", err.Error()),
						slog.String("request_id", requestID))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
