// Package common holds the env-based configuration helpers shared by every
// service binary. All settings are plain environment variables; malformed
// values fall back to the compiled-in default instead of failing startup.
package common

import (
	"os"
	"strconv"
	"time"
)

// GetEnv reads an environment variable, treating unset and empty the same.
func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// ParseDuration parses a time.Duration string, e.g. "200ms" or "24h".
func ParseDuration(value string, fallback time.Duration) time.Duration {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// ParseInt parses a base-10 integer.
func ParseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// ParseBool accepts the forms strconv.ParseBool does: 1, t, true, 0, f, false.
func ParseBool(value string, fallback bool) bool {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
