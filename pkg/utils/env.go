// Package utils provides environment helpers, token masking and small HTTP
// helpers shared by the relay server and the terminal client.
package utils

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvWithDefault retrieves an environment variable or returns a default value if not set.
//
// Parameters:
//   - name: The name of the environment variable
//   - defaultValue: The default value to return if the environment variable is not set
//
// Returns the value of the environment variable, or the default value if not set.
func GetEnvWithDefault(name, defaultValue string) string {
	value := os.Getenv(name)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetEnvInt parses an integer environment variable. Unset or malformed values
// yield defaultValue.
func GetEnvInt(name string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvFloat parses a float environment variable. Unset or malformed values
// yield defaultValue.
func GetEnvFloat(name string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// GetEnvBool reports whether an environment variable is set to a truthy value
// ("1", "true", "yes", "on", case-insensitive).
func GetEnvBool(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// GetEnvDuration parses a duration environment variable. Plain integers are
// read as seconds, anything else goes through time.ParseDuration.
func GetEnvDuration(name string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// MaskToken masks a token for display by showing only the first and last few characters.
// This is used in logs so a key can be told apart without revealing it.
func MaskToken(token string) string {
	if token == "" {
		return "[empty]"
	}
	if len(token) < 10 {
		return "***" // Too short to safely show anything
	}
	return token[:4] + "..." + token[len(token)-4:]
}
