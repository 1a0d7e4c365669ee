// Package log provides the process-wide structured logger.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's levels under names the rest of the daemon uses.
type Level string

const (
	Debug Level = "debug"
	Info  Level = "info"
	Warn  Level = "warn"
	Error Level = "error"
)

// Config controls global logger construction.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is the global, process-wide logger. Init must be called once
// before use; until then it writes JSON to stderr at debug level and above
// so tests that skip Init still produce readable output.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the global logger from cfg.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var writer io.Writer = out
	if !cfg.JSONOutput {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(writer).With().Timestamp().Logger()
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a sub-logger tagged with the owning package.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithNode returns a sub-logger tagged with a node hostname.
func WithNode(name string) zerolog.Logger {
	return Logger.With().Str("node", name).Logger()
}

// WithVM returns a sub-logger tagged with a VM UUID.
func WithVM(uuid string) zerolog.Logger {
	return Logger.With().Str("vm", uuid).Logger()
}

// WithTask returns a sub-logger tagged with a task id.
func WithTask(id string) zerolog.Logger {
	return Logger.With().Str("task", id).Logger()
}

func Debugf(format string, args ...interface{}) { Logger.Debug().Msgf(format, args...) }
func Infof(format string, args ...interface{})  { Logger.Info().Msgf(format, args...) }
func Warnf(format string, args ...interface{})  { Logger.Warn().Msgf(format, args...) }
func Errorf(format string, args ...interface{}) { Logger.Error().Msgf(format, args...) }
