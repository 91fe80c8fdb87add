// Package logging builds the zerolog loggers used across the agent.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config contains logger configuration.
type Config struct {
	// Level sets the logging level (debug, info, warn, error).
	Level string
	// Pretty enables human-readable console output with colors.
	Pretty bool
	// AgentID, when set, is stamped on every line so interleaved logs
	// from several agents on one host stay attributable.
	AgentID string
	// Output sets the output writer. Defaults to stderr; stdout is
	// reserved for command output such as discovery results.
	Output io.Writer
}

// New creates a zerolog logger with the given configuration. Unknown
// level strings fall back to info.
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
		}
	}

	logCtx := zerolog.New(output).Level(level).With().Timestamp()
	if cfg.AgentID != "" {
		logCtx = logCtx.Str("agent_id", cfg.AgentID)
	}
	return logCtx.Logger()
}

// NewWithComponent creates a logger with a component field for structured logging.
func NewWithComponent(cfg Config, component string) zerolog.Logger {
	return New(cfg).With().Str("component", component).Logger()
}
