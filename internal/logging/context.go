package logging

import (
	"context"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	planExecutionIDKey ctxKey = iota
	nodeExecutionIDKey
	interruptIDKey
)

// correlation lists the context keys injected into log records, in output order.
var correlation = []struct {
	key  ctxKey
	attr string
}{
	{planExecutionIDKey, "plan_execution_id"},
	{nodeExecutionIDKey, "node_execution_id"},
	{interruptIDKey, "interrupt_id"},
}

func WithPlanExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, planExecutionIDKey, id)
}

func WithNodeExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeExecutionIDKey, id)
}

func WithInterruptID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, interruptIDKey, id)
}

// PlanExecutionID extracts the plan execution ID from the context, or "" if absent.
func PlanExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(planExecutionIDKey).(string)
	return v
}

// NodeExecutionID extracts the node execution ID from the context, or "" if absent.
func NodeExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(nodeExecutionIDKey).(string)
	return v
}

// InterruptID extracts the interrupt ID from the context, or "" if absent.
func InterruptID(ctx context.Context) string {
	v, _ := ctx.Value(interruptIDKey).(string)
	return v
}

// WithNode sets the plan and node execution IDs at once.
func WithNode(ctx context.Context, planExecutionID, nodeExecutionID string) context.Context {
	return WithNodeExecutionID(WithPlanExecutionID(ctx, planExecutionID), nodeExecutionID)
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, c := range correlation {
		if v, _ := ctx.Value(c.key).(string); v != "" {
			attrs = append(attrs, slog.String(c.attr, v))
		}
	}
	return attrs
}

// LogWith returns a logger enriched with the correlation IDs found in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects correlation IDs from
// the context into every record, so logger.InfoContext(ctx, ...) carries them.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
