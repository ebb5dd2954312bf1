// Package config provides configuration types and utilities for the agent.
// This file contains environment variable utilities for configuration
// processing.
package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	// Pre-compiled regex patterns for better performance
	envVarPatterns = struct {
		withDefault *regexp.Regexp // ${VAR:-default}
		braced      *regexp.Regexp // ${VAR}
		simple      *regexp.Regexp // $VAR
	}{
		withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
		braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
		simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
	}
)

// LoadDotEnv loads a .env file when present. Missing files are not an
// error; the environment simply stays as-is.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

// ExpandEnvVars expands environment variables in a string.
// Supports formats: ${VAR:-default}, ${VAR}, $VAR.
// Processes patterns in order to avoid conflicts.
func ExpandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	// ${VAR:-default} first (most specific)
	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	// ${VAR} format (must come after ${VAR:-default})
	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	// $VAR format (simple, least specific)
	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

func envString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(parsed * float64(time.Second))
		}
	}
	return fallback
}

// envList splits a comma-separated environment variable into trimmed
// entries; empty entries are dropped.
func envList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
