// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every option the server recognizes.
type Config struct {
	Addr     string
	GRPCAddr string

	PostgresDSN string
	RedisURL    string

	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration

	ThrottleWindow time.Duration
	ThrottleMax    int

	CodeTTL time.Duration

	DevMode bool
}

// FromEnv reads configuration from PIPECRM_* variables, applying defaults
// for everything except the signing secrets.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:           envOr("PIPECRM_ADDR", ":8080"),
		GRPCAddr:       envOr("PIPECRM_GRPC_ADDR", ""),
		PostgresDSN:    envOr("PIPECRM_PG_DSN", ""),
		RedisURL:       envOr("PIPECRM_REDIS_URL", "redis://localhost:6379/0"),
		AccessSecret:   strings.TrimSpace(os.Getenv("PIPECRM_ACCESS_SECRET")),
		RefreshSecret:  strings.TrimSpace(os.Getenv("PIPECRM_REFRESH_SECRET")),
		AccessTTL:      durationOr("PIPECRM_ACCESS_TTL", time.Hour),
		RefreshTTL:     durationOr("PIPECRM_REFRESH_TTL", 14*24*time.Hour),
		ThrottleWindow: durationOr("PIPECRM_THROTTLE_WINDOW", 15*time.Minute),
		ThrottleMax:    intOr("PIPECRM_THROTTLE_MAX", 5),
		CodeTTL:        durationOr("PIPECRM_CODE_TTL", 10*time.Minute),
		DevMode:        boolOr("PIPECRM_DEV_MODE", false),
	}
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return Config{}, errors.New("config: PIPECRM_ACCESS_SECRET and PIPECRM_REFRESH_SECRET are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return Config{}, errors.New("config: access and refresh secrets must differ")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationOr(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func intOr(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func boolOr(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
