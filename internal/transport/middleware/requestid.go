package middleware

import (
	"context"
	"net/http"

	"github.com/frahmantamala/rental-fulfillment/pkg/logger"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Trace-ID"

type requestIDKey struct{}

// RequestID reuses an inbound X-Trace-ID or mints one, and attaches it to the
// request logger as request_id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(RequestIDHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), requestIDKey{}, traceID)
		ctx = logger.With(ctx, "request_id", traceID)

		w.Header().Set(RequestIDHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
