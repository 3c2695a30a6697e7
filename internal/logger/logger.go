package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes a lumberjack-rotated log file.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string `toml:"path" mapstructure:"path"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`   // megabytes before rotation (default 10)
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`   // number of backups to keep (default 3)
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `toml:"compress" mapstructure:"compress"`         // Gzip rotated files
}

// Config describes the service logger.
// Format is one of "text", "json" or "color". When File.Path is set, records
// go to the rotated file instead of stderr.
type Config struct {
	Level  string     `toml:"level" mapstructure:"level"`
	Format string     `toml:"format" mapstructure:"format"`
	File   FileConfig `toml:"file" mapstructure:"file"`
}

// Writer returns a rotating writer for fc, or nil when no path is set.
func (fc FileConfig) Writer() io.WriteCloser {
	if strings.TrimSpace(fc.Path) == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   fc.Path,
		MaxSize:    valOr(fc.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(fc.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(fc.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   fc.Compress,
	}
}

// ParseLevel maps a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New builds a slog.Logger from cfg. The returned closer releases the log
// file and is never nil.
func (c Config) New() (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if fw := c.File.Writer(); fw != nil {
		w, closer = fw, fw
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "color":
		h = NewColorTextHandler(w, opts, true)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
