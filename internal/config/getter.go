// Package config provides functions for reading settings from the environment
// and the shared integration-test database helper.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvStr returns a string environment variable value or a default if not set.
//
// Example:
//
//	dir := GetEnvStr("DATA_DIR", "data")
func GetEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// GetEnvInt returns an int environment variable value or a default if it is
// not set or not a valid integer.
//
// Example:
//
//	size := GetEnvInt("BATCH_SIZE", 10000)
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intValue
		}
	}

	return defaultValue
}

// GetEnvFloat64 returns a float64 environment variable value or a default if
// it is not set or not a valid number.
//
// Example:
//
//	limit := GetEnvFloat64("LOAD_MAX_BATCHES_PER_SECOND", 0)
func GetEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}

	return defaultValue
}

// GetEnvBool returns a bool environment variable value or a default if not set.
// Accepts "true", "1", "yes" as true and "false", "0", "no" as false
// (case-insensitive). Anything else yields the default.
//
// Example:
//
//	fetch := GetEnvBool("FETCH", true)
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}

	return defaultValue
}

// GetEnvDuration returns a duration environment variable value (Go duration
// syntax, e.g. "30m") or a default if not set.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}

	return defaultValue
}

// GetEnvLogLevel maps LOG_LEVEL style values (debug, info, warn, error) to a
// slog.Level, or returns the default.
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "debug":
			return slog.LevelDebug
		case "info":
			return slog.LevelInfo
		case "warn", "warning":
			return slog.LevelWarn
		case "error":
			return slog.LevelError
		}
	}

	return defaultValue
}

// ParseCommaSeparatedList parses a comma-separated string into a slice of
// trimmed strings. Empty values are filtered out.
//
// Example:
//
//	brokers := ParseCommaSeparatedList(GetEnvStr("KAFKA_BROKERS", ""))
func ParseCommaSeparatedList(input string) []string {
	if input == "" {
		return []string{}
	}

	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// NewLogger returns the JSON logger every binary writes to stdout, at the
// level named by LOG_LEVEL.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
}
