// Package logging provides the pluggable logger used across relaycast.
// The default implementation is backed by zap; applications embedding the
// server packages can supply their own implementation instead.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger interface for pluggable logging.
// The fields parameter accepts key-value pairs for structured logging.
type Logger interface {
	// Debug logs a debug-level message with optional fields.
	Debug(msg string, fields ...interface{})

	// Info logs an info-level message with optional fields.
	Info(msg string, fields ...interface{})

	// Warn logs a warning-level message with optional fields.
	Warn(msg string, fields ...interface{})

	// Error logs an error-level message with optional fields.
	Error(msg string, fields ...interface{})

	// With returns a child logger with the given key-value fields attached
	// to every message.
	With(fields ...interface{}) Logger
}

// zapLogger wraps zap.SugaredLogger to implement the Logger interface.
type zapLogger struct {
	*zap.SugaredLogger
}

func (z *zapLogger) Debug(msg string, fields ...interface{}) {
	z.SugaredLogger.Debugw(msg, fields...)
}

func (z *zapLogger) Info(msg string, fields ...interface{}) {
	z.SugaredLogger.Infow(msg, fields...)
}

func (z *zapLogger) Warn(msg string, fields ...interface{}) {
	z.SugaredLogger.Warnw(msg, fields...)
}

func (z *zapLogger) Error(msg string, fields ...interface{}) {
	z.SugaredLogger.Errorw(msg, fields...)
}

func (z *zapLogger) With(fields ...interface{}) Logger {
	return &zapLogger{z.SugaredLogger.With(fields...)}
}

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{l.Sugar()}
}

// Options configures the default logger built by New.
type Options struct {
	// Level is the minimum level emitted: debug, info, warn or error.
	// Empty defaults to info.
	Level string

	// Development switches to the human-readable console encoder.
	Development bool

	// File enables a rotating log file in addition to stderr.
	// Empty disables file output.
	File string

	// MaxSizeMB is the size at which the log file rotates. Default 100.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept. Default 5.
	MaxBackups int
}

// New builds the default zap-backed logger. Log output always goes to
// stderr; when opts.File is set it is duplicated to a rotating file.
func New(opts Options) Logger {
	level := zapcore.InfoLevel
	switch opts.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		}))
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), level)
	return &zapLogger{zap.New(core).Sugar()}
}

// NewNop returns a logger that discards everything. Useful as a default
// when callers pass nil.
func NewNop() Logger {
	return &zapLogger{zap.NewNop().Sugar()}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NewNop()
	}
	return l
}
