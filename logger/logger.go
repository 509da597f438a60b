// Package logger configures the process-wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Options control where and how log lines are written.
type Options struct {
	// File, when set, receives JSON log lines. Takes precedence over Pretty.
	File string
	// Pretty enables zerolog's ConsoleWriter on stderr.
	Pretty bool
	// Level overrides LOG_LEVEL when non-empty.
	Level string
}

// New builds a logger from opts. Level falls back to the LOG_LEVEL environment
// variable (trace, debug, info, warn, error) and then to info.
func New(opts Options) (zerolog.Logger, error) {
	levelName := opts.Level
	if levelName == "" {
		levelName = os.Getenv("LOG_LEVEL")
	}
	level := ParseLevel(levelName)

	var out io.Writer
	switch {
	case opts.File != "":
		//nolint:gosec // G304: log path comes from operator config
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		out = f
	case opts.Pretty:
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	default:
		out = os.Stderr
	}

	log := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Debug().Str("level", level.String()).Bool("pretty", opts.Pretty).Str("file", opts.File).Msg("Logger initialized")
	return log, nil
}

// Component returns a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
