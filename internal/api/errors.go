package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/xtgz/chai/internal/api/middleware"
)

// ProblemDetail represents an RFC 7807 Problem Details structure.
type ProblemDetail struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// NewProblemDetail creates a new RFC 7807 Problem Detail.
func NewProblemDetail(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("https://github.com/xtgz/chai/problems/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// WriteErrorResponse writes an RFC 7807 compliant error response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	if problem.RequestID == "" {
		problem.RequestID = middleware.GetRequestID(r.Context())
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("request_id", problem.RequestID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
			slog.Int("status", problem.Status),
		)
	}
}

// NotFound returns a 404 problem.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, "Not Found", detail)
}

// Conflict returns a 409 problem.
func Conflict(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusConflict, "Conflict", detail)
}

// ServiceUnavailable returns a 503 problem.
func ServiceUnavailable(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusServiceUnavailable, "Service Unavailable", detail)
}
