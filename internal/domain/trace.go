package domain

import (
	"context"

	"github.com/google/uuid"
)

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const traceIDKey ctxKey = "trace_id"

const zeroTraceID = "00000000-0000-0000-0000-000000000000"

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID безопасно достает ID трассировки в любом месте кода
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok && id != "" {
		return id
	}
	return zeroTraceID
}

// EnsureTraceID возвращает контекст с ID трассировки, создавая новый при отсутствии.
func EnsureTraceID(ctx context.Context) context.Context {
	if id, ok := ctx.Value(traceIDKey).(string); ok && id != "" {
		return ctx
	}
	return WithTraceID(ctx, uuid.New().String())
}
