package gateway

import (
	"time"

	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
	"github.com/lumen-commerce/commerce_layer/internal/middleware"
)

// DefaultMaxBodyBytes caps request bodies unless a route overrides it.
const DefaultMaxBodyBytes int64 = 64 << 10

// RateLimitSpec is a fixed-window budget.
type RateLimitSpec struct {
	Window time.Duration
	Max    int
	Key    middleware.KeyFunc
}

// BurstSpec is an optional token bucket checked after the window budget.
type BurstSpec struct {
	PerSecond float64
	Capacity  int
}

// PolicySpec is the per-route configuration consumed by the pipeline. It is
// fixed at registration time.
type PolicySpec struct {
	CheckOrigin   bool
	RequireOrigin bool
	RequireCSRF   bool
	RequireAuth   bool
	AllowedRoles  []string
	RateLimit     *RateLimitSpec
	Burst         *BurstSpec
	MaxBodyBytes  int64
}

// Option adjusts a route's policy.
type Option func(*PolicySpec)

// DefaultPolicy returns the defaults for a route on surface. Site routes are
// public; client and admin routes require an authenticated actor. Origin is
// mandatory on state-changing methods since browsers omit it on same-origin
// GETs.
func DefaultPolicy(surface identity.Surface, method string) PolicySpec {
	mutating := middleware.IsStateChanging(method)
	spec := PolicySpec{
		CheckOrigin:   true,
		RequireOrigin: mutating,
		RequireCSRF:   true,
		RequireAuth:   surface != identity.SurfaceSite,
		MaxBodyBytes:  DefaultMaxBodyBytes,
		RateLimit: &RateLimitSpec{
			Window: time.Minute,
			Max:    300,
			Key:    middleware.KeyByActorOrIP,
		},
	}
	if surface == identity.SurfaceSite {
		spec.RateLimit.Max = 120
	}
	return spec
}

// Public lets anonymous actors through.
func Public() Option {
	return func(p *PolicySpec) {
		p.RequireAuth = false
		p.AllowedRoles = nil
	}
}

// WithoutCSRF disables the double-submit check.
func WithoutCSRF() Option {
	return func(p *PolicySpec) { p.RequireCSRF = false }
}

// WithoutOrigin disables the origin stage, for server-to-server routes.
func WithoutOrigin() Option {
	return func(p *PolicySpec) {
		p.CheckOrigin = false
		p.RequireOrigin = false
	}
}

// RequireOrigin rejects requests with no Origin header regardless of method.
func RequireOrigin() Option {
	return func(p *PolicySpec) {
		p.CheckOrigin = true
		p.RequireOrigin = true
	}
}

// WithRoles restricts the route to actors holding one of roles.
func WithRoles(roles ...string) Option {
	return func(p *PolicySpec) {
		p.RequireAuth = true
		p.AllowedRoles = append([]string(nil), roles...)
	}
}

// WithRateLimit replaces the route budget. A nil key keeps actor-or-IP keying.
func WithRateLimit(window time.Duration, max int, key middleware.KeyFunc) Option {
	return func(p *PolicySpec) {
		if key == nil {
			key = middleware.KeyByActorOrIP
		}
		p.RateLimit = &RateLimitSpec{Window: window, Max: max, Key: key}
	}
}

// WithoutRateLimit removes the route budget.
func WithoutRateLimit() Option {
	return func(p *PolicySpec) { p.RateLimit = nil }
}

// WithBurst adds a token bucket on top of the window budget.
func WithBurst(perSecond float64, capacity int) Option {
	return func(p *PolicySpec) { p.Burst = &BurstSpec{PerSecond: perSecond, Capacity: capacity} }
}

// WithMaxBody sets the body cap in bytes. Zero disables the guard.
func WithMaxBody(n int64) Option {
	return func(p *PolicySpec) { p.MaxBodyBytes = n }
}

// BuildPolicy applies opts to the surface defaults.
func BuildPolicy(surface identity.Surface, method string, opts ...Option) PolicySpec {
	spec := DefaultPolicy(surface, method)
	for _, opt := range opts {
		opt(&spec)
	}
	return spec
}
