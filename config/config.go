// Package config reads process configuration from the environment, after
// loading an optional .env file.
package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/amirhf/imageSearch/services/lookalike-go/storage"
)

// Config holds all environment-based configuration.
type Config struct {
	Port        string
	SearchURL   string
	CORSOrigins []string
	LogLevel    slog.Level

	History                storage.Options
	ClearWithoutCredential bool
}

// Load reads .env (if present) and the environment. Files later in envFiles
// do not override earlier ones, and neither overrides the real environment.
func Load(envFiles ...string) Config {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	defaultDir := ".lookalike"
	if home, err := os.UserHomeDir(); err == nil {
		defaultDir = filepath.Join(home, ".lookalike")
	}

	return Config{
		Port:        envOr("PORT", "8080"),
		SearchURL:   envOr("SEARCH_API_URL", "http://localhost:8000"),
		CORSOrigins: splitList(envOr("CORS_ORIGINS", "*")),
		LogLevel:    parseLevel(envOr("LOG_LEVEL", "info")),
		History: storage.Options{
			Backend:     envOr("HISTORY_BACKEND", "file"),
			Dir:         envOr("HISTORY_DIR", defaultDir),
			SQLitePath:  envOr("SQLITE_PATH", "lookalike.db"),
			DatabaseURL: os.Getenv("DATABASE_URL"),
			QuotaBytes:  envInt64("HISTORY_QUOTA_BYTES", 5<<20),
		},
		ClearWithoutCredential: envBool("CLEAR_HISTORY_WITHOUT_AUTH", false),
	}
}

// NewLogger returns a colourised console logger at level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
