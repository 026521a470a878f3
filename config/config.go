package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Backend
	BackendURL     string
	ToolPromptPath string // default: /tool-prompt

	// Run input
	Models            []string
	UserPrompt        string
	ExpectedToolCalls []string

	// Dispatch
	DispatchTimeout  time.Duration // 0 means no deadline
	BreakerThreshold uint32        // 0 disables the per-model breaker
	BreakerCooldown  time.Duration
	MaxConcurrency   int // 0 means every row at once

	// Database (optional, enables run history)
	PostgresDSN string

	// Cache (optional, enables snapshot publishing and run rate limiting)
	RedisAddr   string
	SnapshotKey string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	RunRateLimitPerMin int64 // run triggers per client per minute, default: 30
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		BackendURL:           strings.TrimRight(os.Getenv("BACKEND_URL"), "/"),
		ToolPromptPath:       getEnv("TOOL_PROMPT_PATH", "/tool-prompt"),
		Models:               splitList(os.Getenv("MODELS")),
		UserPrompt:           os.Getenv("USER_PROMPT"),
		ExpectedToolCalls:    splitList(os.Getenv("EXPECTED_TOOL_CALLS")),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		SnapshotKey:          getEnv("SNAPSHOT_KEY", "toolbench:snapshot"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.DispatchTimeout, err = time.ParseDuration(getEnv("DISPATCH_TIMEOUT", "0s")); err != nil {
		return nil, fmt.Errorf("invalid DISPATCH_TIMEOUT: %w", err)
	}
	if cfg.BreakerCooldown, err = time.ParseDuration(getEnv("BREAKER_COOLDOWN", "30s")); err != nil {
		return nil, fmt.Errorf("invalid BREAKER_COOLDOWN: %w", err)
	}

	threshold, err := strconv.ParseUint(getEnv("BREAKER_THRESHOLD", "0"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid BREAKER_THRESHOLD: %w", err)
	}
	cfg.BreakerThreshold = uint32(threshold)

	if cfg.MaxConcurrency, err = strconv.Atoi(getEnv("MAX_CONCURRENCY", "0")); err != nil {
		return nil, fmt.Errorf("invalid MAX_CONCURRENCY: %w", err)
	}

	rpm, err := strconv.ParseInt(getEnv("RUN_RATE_LIMIT_PER_MIN", "30"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid RUN_RATE_LIMIT_PER_MIN: %w", err)
	}
	cfg.RunRateLimitPerMin = rpm

	// Validation
	if cfg.BackendURL == "" {
		return nil, fmt.Errorf("BACKEND_URL is required")
	}
	if cfg.DispatchTimeout < 0 {
		return nil, fmt.Errorf("DISPATCH_TIMEOUT must not be negative")
	}
	if cfg.RunRateLimitPerMin <= 0 {
		return nil, fmt.Errorf("RUN_RATE_LIMIT_PER_MIN must be positive")
	}
	if cfg.MaxConcurrency < 0 {
		return nil, fmt.Errorf("MAX_CONCURRENCY must not be negative")
	}
	if cfg.OTELExporterType != "stdout" && cfg.OTELExporterType != "otlp" {
		return nil, fmt.Errorf("unsupported OTEL_EXPORTER_TYPE %q", cfg.OTELExporterType)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// splitList parses a comma-separated env value, dropping blank entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
