// Package logging configures the process-wide zerolog logger. Library
// packages log through github.com/rs/zerolog/log; this package decides
// where that output goes.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LOG LEVELS
// ═══════════════════════════════════════════════════════════════════════════════

// ParseLevel converts a level name to a zerolog level. Unknown names fall
// back to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SETUP
// ═══════════════════════════════════════════════════════════════════════════════

// Config configures logger output.
type Config struct {
	Level   string // Minimum level to log
	File    string // Optional file path for persistent logs
	Console bool   // Human-readable output on stderr
	NoColor bool   // Disable ANSI colors on the console
}

// Setup installs a global logger built from cfg. The returned closer
// releases the log file, if one was opened; it is never nil.
func Setup(cfg Config) (io.Closer, error) {
	var writers []io.Writer
	closer := nopCloser{}

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			NoColor:    cfg.NoColor,
			TimeFormat: "15:04:05.000",
		})
	}

	var file *os.File
	if cfg.File != "" {
		f, err := openLogFile(cfg.File)
		if err != nil {
			return closer, err
		}
		file = f
		// Files get plain text so they stay greppable.
		writers = append(writers, zerolog.ConsoleWriter{Out: f, NoColor: true, TimeFormat: time.RFC3339})
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	level := ParseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(out).With().Timestamp().Logger()
	if level <= zerolog.DebugLevel {
		logger = logger.With().Caller().Logger()
	}
	zerolog.DefaultContextLogger = &logger
	zlog.Logger = logger

	if file != nil {
		return &fileCloser{f: file}, nil
	}
	return closer, nil
}

// openLogFile opens path for appending, creating parent directories.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type fileCloser struct {
	once sync.Once
	f    *os.File
	err  error
}

func (c *fileCloser) Close() error {
	c.once.Do(func() {
		c.err = c.f.Close()
	})
	return c.err
}
