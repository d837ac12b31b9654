package main

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/lumen-commerce/commerce_layer/internal/errors"
	"github.com/lumen-commerce/commerce_layer/internal/httputil"
	"github.com/lumen-commerce/commerce_layer/internal/logging"
)

// =============================================================================
// Process Middleware
// =============================================================================

// panicRecoveryMiddleware turns a handler panic into a sanitized 500 envelope.
func panicRecoveryMiddleware(logger *logging.Logger, surface string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.WithContext(r.Context()).WithFields(map[string]interface{}{
					"surface": surface,
					"method":  r.Method,
					"path":    r.URL.Path,
					"panic":   fmt.Sprint(rec),
					"stack":   string(debug.Stack()),
				}).Error("Panic recovered in HTTP handler")
				requestID := w.Header().Get(httputil.RequestIDHeader)
				httputil.WriteErrorResponse(w, requestID, errors.Internal("", fmt.Errorf("panic: %v", rec)))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// Health
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler reports liveness, and readiness of the database when one is
// configured.
func healthHandler(surface string, db pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		httputil.WriteJSON(w, code, map[string]interface{}{
			"status":    status,
			"surface":   surface,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
