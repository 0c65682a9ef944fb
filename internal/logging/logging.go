// Package logging wraps zap behind a small interface so the rest of the
// tree depends on a verb-shaped contract (Debug/Info/Warn/Error) instead of
// on zap's types directly, and guards against typed-nil loggers with
// IsNil/OrNop.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the contract every component in this repository takes as a
// dependency. Fields are passed as alternating key/value pairs, matching
// the corpus's printf-free structured-logging convention.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	With(kv ...any) Logger
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a Logger from a level name (debug|info|warn|error). An
// unrecognised level falls back to info rather than failing startup over a
// cosmetic misconfiguration.
func New(level string) (Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"

	var parsed zapcore.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: base.Sugar()}, nil
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.sugar.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.sugar.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.sugar.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.sugar.Errorw(msg, kv...) }
func (l *zapLogger) With(kv ...any) Logger {
	return &zapLogger{sugar: l.sugar.With(kv...)}
}

// Nop returns a Logger that discards everything. Code that runs before a
// real logger is wired (early CLI flag parsing, package init) uses this
// instead of a nil interface.
func Nop() Logger { return &nopLogger{} }

type nopLogger struct{}

func (*nopLogger) Debug(string, ...any) {}
func (*nopLogger) Info(string, ...any)  {}
func (*nopLogger) Warn(string, ...any)  {}
func (*nopLogger) Error(string, ...any) {}
func (n *nopLogger) With(...any) Logger { return n }

// OrNop returns l if it is non-nil, or a no-op Logger otherwise. Guards
// against the classic typed-nil-interface footgun when l is a *zapLogger
// variable that was never assigned.
func OrNop(l Logger) Logger {
	if IsNil(l) {
		return Nop()
	}
	return l
}

// IsNil reports whether l is a nil interface or a non-nil interface
// wrapping a nil pointer.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	if zl, ok := l.(*zapLogger); ok && zl == nil {
		return true
	}
	return false
}
