package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "crucible.db"
	defaultEvictAfter = 15 * time.Minute
	defaultEvictSweep = time.Minute

	envListenAddr = "CRUCIBLE_LISTEN_ADDR"
	envDBPath     = "CRUCIBLE_DB_PATH"
	envLogLevel   = "CRUCIBLE_LOG_LEVEL"
	envWorkDir    = "CRUCIBLE_WORK_DIR"
	envBaseConfig = "CRUCIBLE_BASE_CONFIG"
	envEvictAfter = "CRUCIBLE_EVICT_AFTER"
	envEvictSweep = "CRUCIBLE_EVICT_SWEEP"
	envRedisAddr  = "CRUCIBLE_REDIS_ADDR"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// WorkDir is where runtimes stage session artifacts. Empty means a
	// fresh temporary directory per process.
	WorkDir string

	// BaseConfigPath points at a JSON file holding the shared base
	// configuration that per-session overlays are layered on. Empty
	// means an empty base.
	BaseConfigPath string

	// EvictAfter is how long a terminal session may sit unpolled before
	// the janitor evicts it; EvictSweep is how often the janitor looks.
	EvictAfter time.Duration
	EvictSweep time.Duration

	// RedisAddr enables the Redis statestore backend when non-empty.
	RedisAddr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		EvictAfter: defaultEvictAfter,
		EvictSweep: defaultEvictSweep,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWorkDir); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv(envBaseConfig); v != "" {
		cfg.BaseConfigPath = v
	}
	if v := os.Getenv(envEvictAfter); v != "" {
		cfg.EvictAfter = parseDuration(v, defaultEvictAfter)
	}
	if v := os.Getenv(envEvictSweep); v != "" {
		cfg.EvictSweep = parseDuration(v, defaultEvictSweep)
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		cfg.RedisAddr = v
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
