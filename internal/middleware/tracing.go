package middleware

import (
	"net/http"
	"time"

	"github.com/lumen-commerce/commerce_layer/internal/httputil"
	"github.com/lumen-commerce/commerce_layer/internal/logging"
)

// TracingMiddleware assigns each request a trace id and logs its completion.
type TracingMiddleware struct {
	logger  *logging.Logger
	surface string
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(logger *logging.Logger, surface string) *TracingMiddleware {
	return &TracingMiddleware{
		logger:  logger,
		surface: surface,
	}
}

// Handler returns the tracing middleware handler
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := RequestID(r)

		ctx := logging.WithTraceID(r.Context(), traceID)
		if m.surface != "" {
			ctx = logging.WithSurface(ctx, m.surface)
		}

		w.Header().Set(httputil.RequestIDHeader, traceID)

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))

		m.logger.LogRequest(ctx, r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}

// RequestID returns a well-formed inbound X-Request-ID or a fresh trace id.
func RequestID(r *http.Request) string {
	if id := r.Header.Get(httputil.RequestIDHeader); wellFormedRequestID(id) {
		return id
	}
	return logging.NewTraceID()
}

func wellFormedRequestID(id string) bool {
	if len(id) < 8 || len(id) > 128 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}
