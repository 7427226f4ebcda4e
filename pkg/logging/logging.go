// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging wraps go.uber.org/zap behind the small structured
// Logger interface the coordinator's CLI and scheduler log through.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors zapcore.Level so callers never import zap directly.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger provides structured logging, keyed fields attached via
// WithFields rather than printf-style interpolation.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
	Sync() error
}

// Field is a key-value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

// NewField creates a new field.
func NewField(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

func toZapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

// zapLogger adapts a *zap.Logger to Logger.
type zapLogger struct {
	l *zap.Logger
}

// NewLogger builds a console-encoded zap.Logger writing to stdout/stderr.
// If verbose is true, Debug level logs are shown.
func NewLogger(verbose bool) Logger {
	level := LevelInfo
	if verbose {
		level = LevelDebug
	}
	return newLoggerAt(level, zapcore.Lock(zapcore.AddSync(os.Stdout)), zapcore.Lock(zapcore.AddSync(os.Stderr)))
}

func newLoggerAt(level Level, out, errOut zapcore.WriteSyncer) Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	errEnabler := zap.LevelEnablerFunc(func(lv zapcore.Level) bool {
		return lv >= level.zapLevel() && lv >= zapcore.ErrorLevel
	})
	infoEnabler := zap.LevelEnablerFunc(func(lv zapcore.Level) bool {
		return lv >= level.zapLevel() && lv < zapcore.ErrorLevel
	})

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, out, infoEnabler),
		zapcore.NewCore(encoder, errOut, errEnabler),
	)
	return &zapLogger{l: zap.New(core)}
}

func (z *zapLogger) Debug(msg string, fields ...Field) { z.l.Debug(msg, toZapFields(fields)...) }
func (z *zapLogger) Info(msg string, fields ...Field)  { z.l.Info(msg, toZapFields(fields)...) }
func (z *zapLogger) Warn(msg string, fields ...Field)  { z.l.Warn(msg, toZapFields(fields)...) }
func (z *zapLogger) Error(msg string, fields ...Field) { z.l.Error(msg, toZapFields(fields)...) }

func (z *zapLogger) WithFields(fields ...Field) Logger {
	return &zapLogger{l: z.l.With(toZapFields(fields)...)}
}

func (z *zapLogger) Sync() error { return z.l.Sync() }

// Nop returns a Logger that discards everything, for tests and contexts
// with no meaningful sink.
func Nop() Logger { return &zapLogger{l: zap.NewNop()} }

// newLoggerForTest builds a Logger writing to arbitrary sinks, so tests
// can assert on captured output without shelling out to os.Stdout/Stderr.
func newLoggerForTest(level Level, out, errOut zapcore.WriteSyncer) Logger {
	return newLoggerAt(level, out, errOut)
}
