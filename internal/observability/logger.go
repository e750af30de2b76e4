// Package observability defines shared logging and metrics primitives.
package observability

import (
	"io"

	"github.com/rs/zerolog"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger builds a structured logger writing to w at the given level.
func NewZerologLogger(w io.Writer, level zerolog.Level) *ZerologLogger {
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &ZerologLogger{log: logger}
}

// With returns a child logger carrying the provided component field.
func (z *ZerologLogger) With(component string) *ZerologLogger {
	return &ZerologLogger{log: z.log.With().Str("component", component).Logger()}
}

func (z *ZerologLogger) Debug(msg string, fields ...Field) { z.emit(z.log.Debug(), msg, fields) }
func (z *ZerologLogger) Info(msg string, fields ...Field)  { z.emit(z.log.Info(), msg, fields) }
func (z *ZerologLogger) Warn(msg string, fields ...Field)  { z.emit(z.log.Warn(), msg, fields) }
func (z *ZerologLogger) Error(msg string, fields ...Field) { z.emit(z.log.Error(), msg, fields) }

func (z *ZerologLogger) emit(evt *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		evt = evt.Interface(f.Key, f.Value)
	}
	evt.Msg(msg)
}
