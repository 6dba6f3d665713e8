package slogx

import (
	"context"
	"log/slog"
)

type (
	ctxKey       struct{}
	requestIDKey struct{}
)

func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stored in ctx, falling back to slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return l
}

// WithRequestID attaches req_id to the contextual logger and records it for
// outbound requests made with ctx.
func WithRequestID(ctx context.Context, reqID string) context.Context {
	l := FromContext(ctx)
	ctx = context.WithValue(ctx, requestIDKey{}, reqID)
	return WithContext(ctx, l.With("req_id", reqID))
}

// RequestID returns the request ID recorded by WithRequestID, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
