package logger

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// New returns a production-friendly structured logger.
// No business logic should depend on logging implementation details.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", "contact-center")
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

type callKey struct{}

type callScope struct {
	callID string
	vendor string
}

// WithCall derives a call-scoped logger so every transition, routing attempt
// and vendor retry for one call shares the same call_id attribute. Attributes
// already carried by the context logger are not added again.
func WithCall(ctx context.Context, vendor, callID string) (context.Context, *slog.Logger) {
	cur, _ := ctx.Value(callKey{}).(callScope)
	l := From(ctx)
	if cur.callID != callID {
		l = l.With("call_id", callID)
		cur = callScope{callID: callID}
	}
	if vendor != "" && cur.vendor != vendor {
		l = l.With("vendor", vendor)
		cur.vendor = vendor
	}
	ctx = context.WithValue(ctx, callKey{}, cur)
	return With(ctx, l), l
}

// ShutdownFlush is a placeholder for future log flushing (if a buffered logger is used).
func ShutdownFlush(_ context.Context, _ time.Duration) error { return nil }
