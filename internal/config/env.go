package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvOr returns the value of key, or fallback when it is unset or empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvFirst returns the first non-empty value among keys.
func EnvFirst(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// EnvInt returns the integer value of key. Unset or unparseable values yield
// fallback.
func EnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

// EnvFloat parses a non-negative number, returning fallback when unset.
func EnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("config: %s must be a non-negative number, got %q", key, v)
	}
	return f, nil
}

// EnvDuration parses a non-negative Go duration, returning fallback when unset.
func EnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("config: %s must be a non-negative duration, got %q", key, v)
	}
	return d, nil
}
