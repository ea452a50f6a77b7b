package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// L is the shared structured logger used across the project.
	L     *zap.Logger
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
	once  sync.Once
)

type ctxKey struct{}

func init() {
	Init()
}

// Init builds the global logger if it has not been constructed yet.
// It uses zap's production configuration for consistent structured output.
func Init() {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = level
		cfg.Sampling = nil
		logger, err := cfg.Build()
		if err != nil {
			panic(err)
		}
		L = logger.With(zap.String("app", "resource-dispatcher"))
	})
}

// SetLevel changes the level of every logger derived from L.
func SetLevel(name string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

// IntoContext stores a request or pass scoped logger in ctx.
func IntoContext(ctx context.Context, lg *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, lg)
}

// FromContext returns the logger stored in ctx, or L.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if lg, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && lg != nil {
			return lg
		}
	}
	return L
}
