// Package config loads process configuration from environment variables, an
// optional .env file, and YAML side files.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// loadDotEnv reads .env once per process. Missing files are ignored.
func loadDotEnv() {
	dotenvOnce.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Debug("failed to load .env file", "error", err)
		}
	})
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvMSOrDefault reads a millisecond count, clamped to at least minMS.
func getEnvMSOrDefault(key string, defaultMS, minMS int) time.Duration {
	ms := getEnvIntOrDefault(key, defaultMS)
	if ms < minMS {
		ms = minMS
	}
	return time.Duration(ms) * time.Millisecond
}

func logLevel(key string) string {
	return strings.ToLower(getEnvOrDefault(key, "info"))
}
