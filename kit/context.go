// Package kit carries per-pass values and request trace IDs through context
// so that log lines written deep in the collectors can be correlated with
// the pass or request that produced them.
package kit

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	PassIDKey   contextKey = "kit_pass_id"
	PassKindKey contextKey = "kit_pass_kind" // "bugs", "people", "cards"
	TraceIDKey  contextKey = "kit_trace_id"
)

func WithPassID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, PassIDKey, id)
}
func GetPassID(ctx context.Context) string {
	v, _ := ctx.Value(PassIDKey).(string)
	return v
}

func WithPassKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, PassKindKey, kind)
}
func GetPassKind(ctx context.Context) string {
	v, _ := ctx.Value(PassKindKey).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// Logger returns base annotated with the pass values found in ctx.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := GetPassID(ctx); id != "" {
		base = base.With("pass_id", id)
	}
	if kind := GetPassKind(ctx); kind != "" {
		base = base.With("pass", kind)
	}
	return base
}
