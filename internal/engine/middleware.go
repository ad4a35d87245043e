package engine

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/xela07ax/commerce-gate/internal/domain"
)

const traceHeader = "X-Trace-ID"

// TracingMiddleware инициализирует Trace-ID для каждого запроса
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// ID может прийти от агента или прокси
		traceID := r.Header.Get(traceHeader)
		if _, err := uuid.Parse(traceID); err != nil {
			traceID = uuid.New().String()
		}

		// Клиент тоже знает ID своего запроса
		w.Header().Set(traceHeader, traceID)

		next.ServeHTTP(w, r.WithContext(domain.WithTraceID(r.Context(), traceID)))
	})
}
