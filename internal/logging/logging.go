// Package logging builds the process logger: console output on stderr and,
// optionally, JSON lines in a rotating file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level and outputs.
type Config struct {
	// Level is debug, info, warn, error or off. Empty means info.
	Level string
	// File, when set, receives JSON lines through a size-based rotator.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console overrides stderr; used by tests.
	Console io.Writer
	// JSON forces JSON console output even on a terminal.
	JSON bool
}

// ParseLevel maps a level name to a zerolog level. Unknown names are an error.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "off", "disabled", "none":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// New returns the logger and a cleanup func that closes the rotating file.
func New(cfg Config) (zerolog.Logger, func(), error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), func() {}, err
	}
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	if !cfg.JSON && isTerminal(console) {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: time.Kitchen}
	}

	cleanup := func() {}
	out := console
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), cleanup, fmt.Errorf("log dir: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
			Compress:   true,
		}
		cleanup = func() { _ = rotator.Close() }
		out = zerolog.MultiLevelWriter(console, rotator)
	}
	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return log, cleanup, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
