// Package logging builds the slog loggers used by the commands.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

const (
	EnvLogLevel   = "MPCOMMS_LOG_LEVEL"
	EnvLogFormat  = "MPCOMMS_LOG_FORMAT"
	EnvLogNoColor = "MPCOMMS_LOG_NOCOLOR"

	FormatText = "text"
	FormatJSON = "json"
)

type Config struct {
	Level   slog.Level
	Format  string // "text" (tint console handler) or "json"
	NoColor bool
}

func DefaultConfig() Config {
	return Config{Level: slog.LevelInfo, Format: FormatText}
}

// New returns a logger writing to w. Environment variables override cfg.
func New(w io.Writer, cfg Config) (*slog.Logger, error) {
	applyEnvOverrides(&cfg)

	var h slog.Handler
	switch cfg.Format {
	case "", FormatText:
		h = tint.NewHandler(w, &tint.Options{
			Level:      cfg.Level,
			TimeFormat: time.TimeOnly,
			NoColor:    cfg.NoColor,
		})
	case FormatJSON:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.Level})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(h), nil
}

// Configure builds a stderr logger and installs it as the slog default.
func Configure(cfg Config) (*slog.Logger, error) {
	l, err := New(os.Stderr, cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return l, nil
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if f := strings.TrimSpace(os.Getenv(EnvLogFormat)); f != "" {
		cfg.Format = strings.ToLower(f)
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

// ParseLevel accepts debug, info, warn and error. An empty or unknown value
// reports false.
func ParseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
