package middleware

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
	"github.com/lumen-commerce/commerce_layer/internal/errors"
	"github.com/lumen-commerce/commerce_layer/internal/logging"
	"github.com/lumen-commerce/commerce_layer/internal/storage"
)

// SessionCookieName returns the surface-scoped session cookie name.
func SessionCookieName(surface identity.Surface) string {
	return string(surface) + "_session"
}

// SessionResolver maps the surface session cookie to an Actor.
type SessionResolver struct {
	store   storage.SessionStore
	timeout time.Duration
	now     func() time.Time
	logger  *logging.Logger
}

// NewSessionResolver creates a resolver bounded by timeout per lookup.
func NewSessionResolver(store storage.SessionStore, timeout time.Duration, logger *logging.Logger) *SessionResolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SessionResolver{store: store, timeout: timeout, now: time.Now, logger: logger}
}

// WithClock sets the time source used for expiry checks.
func (s *SessionResolver) WithClock(now func() time.Time) *SessionResolver {
	s.now = now
	return s
}

// Resolve returns the actor for the request. Malformed, unknown, expired,
// revoked and cross-surface sessions all resolve to Anonymous with a nil
// error; only a storage failure returns an error.
func (s *SessionResolver) Resolve(ctx context.Context, r *http.Request, surface identity.Surface) (identity.Actor, *identity.Session, error) {
	cookie, err := r.Cookie(SessionCookieName(surface))
	if err != nil || !identity.WellFormedToken(cookie.Value) {
		return identity.Anonymous(), nil, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sess, err := s.store.GetSessionByTokenHash(lookupCtx, identity.HashToken(cookie.Value))
	if stderrors.Is(err, storage.ErrNotFound) {
		return identity.Anonymous(), nil, nil
	}
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Session lookup failed")
		return identity.Anonymous(), nil, errors.Internal("Session lookup failed", err)
	}

	if !sess.Active(s.now()) || sess.Surface != surface {
		return identity.Anonymous(), nil, nil
	}
	return sess.Actor(), &sess, nil
}
