// Package logging provides the structured-logging facade used throughout
// httm, mirroring the shape of kopia's repo/logging package: a small
// interface decoupled from any particular backend, with a zap-backed
// default implementation and a Module() constructor so each package gets
// its own named logger.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Logger is the minimal structured-logging surface httm's packages depend
// on. It intentionally mirrors a small subset of zap.SugaredLogger so a
// test fake can implement it without pulling in zap.
type Logger interface {
	Debugw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Debugw(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l zapLogger) Infow(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l zapLogger) Warnw(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l zapLogger) Errorw(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }

var (
	baseOnce sync.Once
	base     *zap.Logger
)

func baseLogger() *zap.Logger {
	baseOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.DisableStacktrace = true
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

// Module returns a Logger scoped to the given package/component name, the
// same pattern as kopia's logging.Module("kopia/cli").
func Module(name string) Logger {
	return zapLogger{s: baseLogger().Sugar().Named(name)}
}

type ctxKey struct{}

// WithLogger attaches a Logger to ctx, for callers that want to override
// the module default (primarily tests).
func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger attached to ctx, or fallback if none was
// attached.
func FromContext(ctx context.Context, fallback Logger) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return fallback
}

// NopLogger is a Logger that discards everything, for tests that don't
// care about log output.
type NopLogger struct{}

func (NopLogger) Debugw(string, ...interface{}) {}
func (NopLogger) Infow(string, ...interface{})  {}
func (NopLogger) Warnw(string, ...interface{})  {}
func (NopLogger) Errorw(string, ...interface{}) {}
