package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
	"github.com/lumen-commerce/commerce_layer/internal/errors"
	"github.com/lumen-commerce/commerce_layer/internal/httputil"
	"github.com/lumen-commerce/commerce_layer/internal/logging"
	"github.com/lumen-commerce/commerce_layer/internal/metrics"
	"github.com/lumen-commerce/commerce_layer/internal/middleware"
)

// HandlerFunc is a route handler. A returned error is rendered as the
// canonical error envelope unless the handler already wrote a response.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Pipeline runs the security stages for one surface in a fixed order:
// origin, CSRF, session, authorization, rate limit, body guard, handler.
type Pipeline struct {
	surface  identity.Surface
	origins  *middleware.OriginPolicy
	sessions *middleware.SessionResolver
	limiter  middleware.Limiter
	burst    *middleware.BurstLimiter
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// PipelineConfig holds the collaborators of a Pipeline.
type PipelineConfig struct {
	Surface  identity.Surface
	Origins  *middleware.OriginPolicy
	Sessions *middleware.SessionResolver
	Limiter  middleware.Limiter
	Burst    *middleware.BurstLimiter
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// NewPipeline creates a pipeline. A missing limiter defaults to a process-local
// one; a missing origin policy is an empty development policy.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = middleware.NewInMemoryLimiter()
	}
	if cfg.Burst == nil {
		cfg.Burst = middleware.NewBurstLimiter()
	}
	if cfg.Origins == nil {
		cfg.Origins, _ = middleware.NewOriginPolicy(nil, nil, false)
	}
	if !cfg.Origins.Configured() {
		cfg.Logger.WithFields(map[string]interface{}{"surface": string(cfg.Surface)}).
			Warn("No origin allowlist configured")
	}
	return &Pipeline{
		surface:  cfg.Surface,
		origins:  cfg.Origins,
		sessions: cfg.Sessions,
		limiter:  cfg.Limiter,
		burst:    cfg.Burst,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Surface returns the surface the pipeline serves.
func (p *Pipeline) Surface() identity.Surface {
	return p.surface
}

// Wrap returns h guarded by spec. route names the rate-limit budget.
func (p *Pipeline) Wrap(route string, spec PolicySpec, h HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := p.begin(w, r)
		ctx := withRequestContext(r.Context(), rc)
		r = r.WithContext(ctx)

		if spec.CheckOrigin {
			echo, err := p.origins.Check(r.Header.Get("Origin"), spec.RequireOrigin)
			if err != nil {
				p.reject(w, r, rc, "origin", err)
				return
			}
			if echo {
				rc.Origin = r.Header.Get("Origin")
				middleware.ApplyCORS(w.Header(), rc.Origin)
			}
		}

		if spec.RequireCSRF {
			formCap := int64(middleware.DefaultCSRFFormBytes)
			if spec.MaxBodyBytes > 0 {
				formCap = spec.MaxBodyBytes
			}
			if err := middleware.CheckCSRFLimit(r, p.surface, formCap); err != nil {
				p.reject(w, r, rc, "csrf", err)
				return
			}
		}

		if p.sessions != nil {
			actor, sess, err := p.sessions.Resolve(ctx, r, p.surface)
			if err != nil {
				p.reject(w, r, rc, "session", err)
				return
			}
			rc.Actor, rc.Session = actor, sess
			if actor.IsAuthenticated() {
				ctx = logging.WithUserID(ctx, actor.ID())
				ctx = logging.WithRole(ctx, actor.Role())
				r = r.WithContext(ctx)
			}
		}

		if err := middleware.Authorize(p.surface, rc.Actor, spec.RequireAuth, spec.AllowedRoles); err != nil {
			p.reject(w, r, rc, "authz", err)
			return
		}

		if err := p.rateLimit(w, r, rc, route, spec); err != nil {
			p.reject(w, r, rc, "rate_limit", err)
			return
		}

		if spec.MaxBodyBytes > 0 && r.Body != nil {
			if r.ContentLength > spec.MaxBodyBytes {
				p.reject(w, r, rc, "body", errors.PayloadTooLarge(spec.MaxBodyBytes))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, spec.MaxBodyBytes)
		}

		sw := &statusWriter{ResponseWriter: w}
		if err := h(sw, r); err != nil {
			if sw.wrote {
				p.logger.WithContext(ctx).WithError(err).Error("Handler failed after writing response")
				return
			}
			p.reject(w, r, rc, "handler", err)
		}
	})
}

// begin creates the request context and applies the headers every response
// carries.
func (p *Pipeline) begin(w http.ResponseWriter, r *http.Request) *RequestContext {
	traceID := logging.GetTraceID(r.Context())
	if traceID == "" {
		traceID = middleware.RequestID(r)
		w.Header().Set(httputil.RequestIDHeader, traceID)
	}
	middleware.ApplySecurityHeaders(w.Header())
	return &RequestContext{
		TraceID: traceID,
		Surface: p.surface,
		Actor:   identity.Anonymous(),
	}
}

func (p *Pipeline) rateLimit(w http.ResponseWriter, r *http.Request, rc *RequestContext, route string, spec PolicySpec) error {
	if spec.RateLimit == nil && spec.Burst == nil {
		return nil
	}
	key := route + "|" + middleware.KeyByActorOrIP(r, rc.Actor)
	if spec.RateLimit != nil && spec.RateLimit.Key != nil {
		key = route + "|" + spec.RateLimit.Key(r, rc.Actor)
	}

	if rl := spec.RateLimit; rl != nil {
		d, err := p.limiter.Allow(r.Context(), key, rl.Max, rl.Window)
		if err != nil {
			return errors.Internal("Rate limiter failed", err)
		}
		p.metrics.RecordRateLimit(route, d.Allowed)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			retry := int(time.Until(d.ResetAt).Seconds() + 0.999)
			if retry < 1 {
				retry = 1
			}
			h.Set("Retry-After", strconv.Itoa(retry))
			return errors.RateLimited(rl.Max, rl.Window.String())
		}
	}

	if b := spec.Burst; b != nil {
		if !p.burst.Allow(key, b.PerSecond, b.Capacity) {
			p.metrics.RecordRateLimit(route, false)
			w.Header().Set("Retry-After", "1")
			return errors.RateLimited(b.Capacity, "burst")
		}
	}
	return nil
}

// reject renders err as the error envelope and records it.
func (p *Pipeline) reject(w http.ResponseWriter, r *http.Request, rc *RequestContext, stage string, err error) {
	se := httputil.AsServiceError(err)
	ctx := r.Context()

	switch se.Code.Kind() {
	case errors.KindInternal, errors.KindProcessing:
		p.logger.WithContext(ctx).WithError(err).WithField("stage", stage).Error("Request failed")
	case errors.KindPolicy, errors.KindVerification:
		fields := map[string]interface{}{
			"stage": stage,
			"code":  string(se.Code),
			"path":  r.URL.Path,
			"ip":    middleware.ClientIP(r),
		}
		if reason, ok := se.Details["reason"]; ok {
			fields["reason"] = reason
		}
		p.logger.LogSecurityEvent(ctx, string(se.Code), fields)
	}
	p.metrics.RecordRejection(string(p.surface), string(se.Code))

	httputil.WriteErrorResponse(w, rc.TraceID, se)
}

type statusWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		w.wrote = true
		f.Flush()
	}
}
