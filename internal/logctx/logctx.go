// Package logctx carries a scoped slog.Logger through context, so deep call
// sites (transfer attempts, provider requests) log with the attributes of the
// operation that spawned them.
package logctx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// WithLogger binds logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// LoggerFromContext returns the bound logger, falling back to slog.Default
// for contexts that never passed through WithLogger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}

	return slog.Default()
}
