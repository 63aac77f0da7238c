// Package logging provides structured logging for the HTLC scheduler daemon.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Logger wraps charmbracelet/log and remembers its output so that derived
// component loggers write to the same place.
type Logger struct {
	*log.Logger
	output     io.Writer
	timeFormat string
}

// Config holds logger configuration.
type Config struct {
	Level      string
	TimeFormat string
	Prefix     string
	Output     io.Writer
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
		Output:     os.Stderr,
	}
}

// New creates a new logger with the given configuration.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.TimeOnly
	}

	logger := log.NewWithOptions(output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Prefix:          cfg.Prefix,
	})
	logger.SetLevel(ParseLevel(cfg.Level))

	return &Logger{Logger: logger, output: output, timeFormat: timeFormat}
}

// Nop returns a logger that discards everything. Handy as a default for
// library types constructed without a logger.
func Nop() *Logger {
	return New(&Config{Level: "fatal", Output: io.Discard})
}

// ParseLevel parses a string level into a log.Level.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// With returns a new logger with the given key-value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...), output: l.output, timeFormat: l.timeFormat}
}

// Component returns a logger for a specific component, sharing the parent's
// output and level.
func (l *Logger) Component(name string) *Logger {
	child := log.NewWithOptions(l.output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      l.timeFormat,
		Prefix:          name,
	})
	child.SetLevel(l.GetLevel())
	return &Logger{Logger: child, output: l.output, timeFormat: l.timeFormat}
}

// Task returns a logger annotated with the task id and resource path.
func (l *Logger) Task(taskID, path string) *Logger {
	return l.With("task", taskID, "path", path)
}
