package cli

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

func envOrDefault(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer in environment; using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean in environment; using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration in environment; using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
