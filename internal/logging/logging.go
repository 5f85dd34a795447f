// logging.go - Structured logging with console, file and audit sinks.
//
// Console and file receive every event at or above the configured level. The audit sink only
// receives warnings and above, so rejected transfers and backend failures end up in a file
// of their own.

package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"
)

// Config selects the level and optional file sinks.
type Config struct {
	Level     string
	File      string
	AuditFile string
	// Console writes human-readable output to stdout when set, JSON otherwise.
	Console bool
}

// ParseLevel maps a level name to a zerolog level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
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

// auditWriter forwards only events at or above min.
type auditWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (a auditWriter) Write(p []byte) (int, error) {
	return a.w.Write(p)
}

func (a auditWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < a.min {
		return len(p), nil
	}
	return a.w.Write(p)
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds a logger from cfg. The returned closer releases the file sinks.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	var (
		writers []io.Writer
		files   closers
	)
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime})
	} else {
		writers = append(writers, os.Stdout)
	}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		files = append(files, f)
		writers = append(writers, f)
	}
	if cfg.AuditFile != "" {
		f, err := os.OpenFile(cfg.AuditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			files.Close()
			return zerolog.Nop(), nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		files = append(files, f)
		writers = append(writers, auditWriter{w: f, min: zerolog.WarnLevel})
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level)).
		With().Timestamp().Logger()
	return logger, files, nil
}

// RouteGnark sends gnark's own compile and prove logs through logger.
func RouteGnark(logger zerolog.Logger) {
	gnarklogger.Set(Component(logger, "gnark"))
}

// Component returns a child logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
