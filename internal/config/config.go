package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the automation task service.
type Config struct {
	BindAddr         string
	APIKey           string
	DataDir          string
	DatabaseURL      string
	MetricsNamespace string
	ShutdownTimeout  time.Duration

	AllowAnyOrigin bool

	DefaultMaxSteps int

	// Liveness monitor tuning.
	TaskCheckInterval   time.Duration
	TaskStallTimeout    time.Duration
	TaskMaxStallChecks  int
	TaskCleanupInterval time.Duration
	TaskRetention       time.Duration
	ArtifactMaxAge      time.Duration

	// Scripted executor pacing; real automation backends ignore it.
	ExecutorStepDelay time.Duration
}

// Load reads environment variables and applies safe defaults. The API key has
// no default: an unauthenticated deployment is a configuration error.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		APIKey:              trimmedEnv("API_KEY"),
		DataDir:             envOrDefault("APP_DATA_DIR", "./data"),
		DatabaseURL:         trimmedEnv("DATABASE_URL"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "browserd"),
		AllowAnyOrigin:      false,
		DefaultMaxSteps:     30,
		ShutdownTimeout:     15 * time.Second,
		TaskCheckInterval:   10 * time.Second,
		TaskStallTimeout:    60 * time.Second,
		TaskMaxStallChecks:  3,
		TaskCleanupInterval: 5 * time.Minute,
		TaskRetention:       time.Hour,
		ArtifactMaxAge:      7 * 24 * time.Hour,
		ExecutorStepDelay:   500 * time.Millisecond,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultMaxSteps, err = intFromEnv("TASK_DEFAULT_MAX_STEPS", cfg.DefaultMaxSteps)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskCheckInterval, err = durationFromEnv("TASK_CHECK_INTERVAL", cfg.TaskCheckInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskStallTimeout, err = durationFromEnv("TASK_STALL_TIMEOUT", cfg.TaskStallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskMaxStallChecks, err = intFromEnv("TASK_MAX_STALL_CHECKS", cfg.TaskMaxStallChecks)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskCleanupInterval, err = durationFromEnv("TASK_CLEANUP_INTERVAL", cfg.TaskCleanupInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskRetention, err = durationFromEnv("TASK_RETENTION", cfg.TaskRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.ArtifactMaxAge, err = durationFromEnv("ARTIFACT_MAX_AGE", cfg.ArtifactMaxAge)
	if err != nil {
		return Config{}, err
	}
	cfg.ExecutorStepDelay, err = durationFromEnv("EXECUTOR_STEP_DELAY", cfg.ExecutorStepDelay)
	if err != nil {
		return Config{}, err
	}

	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("API_KEY must be set")
	}
	if cfg.DefaultMaxSteps <= 0 {
		return Config{}, fmt.Errorf("TASK_DEFAULT_MAX_STEPS must be positive")
	}
	if cfg.TaskCheckInterval < time.Second {
		return Config{}, fmt.Errorf("TASK_CHECK_INTERVAL must be at least 1s")
	}
	if cfg.TaskStallTimeout < cfg.TaskCheckInterval {
		return Config{}, fmt.Errorf("TASK_STALL_TIMEOUT must be at least TASK_CHECK_INTERVAL")
	}
	if cfg.TaskMaxStallChecks <= 0 {
		return Config{}, fmt.Errorf("TASK_MAX_STALL_CHECKS must be positive")
	}
	if cfg.TaskRetention < time.Minute {
		return Config{}, fmt.Errorf("TASK_RETENTION must be at least 1m")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
