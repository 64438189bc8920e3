// Package logging provides structured logging for the hybridml service on top
// of zap. Logger carries map fields for HTTP handlers; numeric packages take
// the underlying *zap.Logger from Zap.
package logging

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Logger represents an active logging object.
type Logger struct {
	z *zap.Logger
}

// New wraps a zap logger.
func New(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return New(zap.NewNop())
}

// Zap returns the underlying zap logger.
func (l *Logger) Zap() *zap.Logger { return l.z }

// Named returns a logger for a sub-component.
func (l *Logger) Named(name string) *Logger {
	return &Logger{z: l.z.Named(name)}
}

// WithFields returns a new Logger with the specified fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{z: l.z.With(zapFields(fields)...)}
}

// WithField returns a new Logger with the specified key-value pair.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{z: l.z.With(zap.Any(key, value))}
}

// WithError returns a new Logger with the error field set.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{z: l.z.With(zap.Error(err))}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.z.Sync() }

func first(fields []map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	return zapFields(fields[0])
}

// Debug logs a message at debug level.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.z.Debug(msg, first(fields)...)
}

// Info logs a message at info level.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.z.Info(msg, first(fields)...)
}

// Warn logs a message at warn level.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.z.Warn(msg, first(fields)...)
}

// Error logs a message at error level.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.z.Error(msg, first(fields)...)
}

// Fatal logs a message at fatal level then calls os.Exit(1).
func (l *Logger) Fatal(msg string, fields ...map[string]interface{}) {
	l.z.Fatal(msg, first(fields)...)
}

// zapFields converts map fields to zap fields in key order so output is
// stable.
func zapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case error:
			out = append(out, zap.NamedError(k, v))
		case string:
			out = append(out, zap.String(k, v))
		case int:
			out = append(out, zap.Int(k, v))
		case float64:
			out = append(out, zap.Float64(k, v))
		case bool:
			out = append(out, zap.Bool(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

type ctxLoggerKey struct{}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*Logger); ok {
		return logger
	}
	return NewNop()
}

// WithContext returns a new context carrying the logger.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, l)
}
