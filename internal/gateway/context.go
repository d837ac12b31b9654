// Package gateway composes the request security stages around route handlers
// for one surface.
package gateway

import (
	"context"

	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
)

type requestContextKey struct{}

// RequestContext is created once per request by the pipeline. Stages attach
// the data they resolve; handlers read it through FromContext.
type RequestContext struct {
	TraceID string
	Surface identity.Surface
	Actor   identity.Actor
	Session *identity.Session
	// Origin is set only when the origin stage verified it.
	Origin string
}

func withRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext returns the request context attached by the pipeline. Outside
// the pipeline it returns an anonymous context with no trace id.
func FromContext(ctx context.Context) *RequestContext {
	if rc, ok := ctx.Value(requestContextKey{}).(*RequestContext); ok {
		return rc
	}
	return &RequestContext{Actor: identity.Anonymous()}
}
