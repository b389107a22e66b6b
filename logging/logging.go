// Package logging provides the structured logger used across every
// subsystem of the tractor control core. It wraps zap rather than
// reinventing leveled logging, following the same shape the retrieved
// reference logging package tests exercise (Named loggers, structured
// key/value pairs, level parsing).
package logging

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logging severity, serializable to/from its lowercase string form.
type Level int8

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "debug"
	case INFO:
		return "info"
	case WARN:
		return "warn"
	case ERROR:
		return "error"
	default:
		return "unknown"
	}
}

// LevelFromString parses a level name, accepting "warning" as an alias for
// "warn" to match common config file spellings.
func LevelFromString(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	default:
		return 0, errors.Errorf("unknown log level %q", s)
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger is the structured logging surface every subsystem depends on. It is
// implemented by *zapLogger; tests may substitute NewTestLogger.
type Logger interface {
	Named(name string) Logger
	With(keysAndValues ...interface{}) Logger

	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a production Logger at the given minimum level, writing
// JSON-encoded records, in the same register the teacher's logging package
// uses for its runtime loggers.
func New(level Level) Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	z, err := cfg.Build()
	if err != nil {
		// Fatal: logging initialization failure is non-recoverable at startup.
		panic(errors.Wrap(err, "failed to build zap logger"))
	}
	return &zapLogger{sugar: z.Sugar()}
}

// NewTestLogger builds a human-readable logger suitable for test output.
func NewTestLogger() Logger {
	cfg := zap.NewDevelopmentConfig()
	z, err := cfg.Build()
	if err != nil {
		panic(errors.Wrap(err, "failed to build test zap logger"))
	}
	return &zapLogger{sugar: z.Sugar()}
}

func (l *zapLogger) Named(name string) Logger {
	return &zapLogger{sugar: l.sugar.Named(name)}
}

func (l *zapLogger) With(keysAndValues ...interface{}) Logger {
	return &zapLogger{sugar: l.sugar.With(keysAndValues...)}
}

func (l *zapLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *zapLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *zapLogger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *zapLogger) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}
