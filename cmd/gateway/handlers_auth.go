package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
	"github.com/lumen-commerce/commerce_layer/internal/errors"
	"github.com/lumen-commerce/commerce_layer/internal/gateway"
	"github.com/lumen-commerce/commerce_layer/internal/httputil"
	"github.com/lumen-commerce/commerce_layer/internal/logging"
	"github.com/lumen-commerce/commerce_layer/internal/middleware"
	"github.com/lumen-commerce/commerce_layer/internal/storage"
)

// =============================================================================
// Session Lifecycle Handlers
// =============================================================================

type authHandlers struct {
	surface     identity.Surface
	sessions    storage.SessionStore
	credentials storage.CredentialStore
	cookies     gateway.Cookies
	roles       roleOverrides
	ttl         time.Duration
	timeout     time.Duration
	now         func() time.Time
	logger      *logging.Logger
}

func (h *authHandlers) register(rt *gateway.Router) {
	rt.Handle(http.MethodPost, "/auth/login", h.login,
		gateway.Public(),
		gateway.WithoutCSRF(),
		gateway.WithRateLimit(time.Minute, 10, middleware.KeyByIP),
		gateway.WithMaxBody(8<<10),
	)
	rt.Handle(http.MethodPost, "/auth/logout", h.logout,
		gateway.Public(),
		gateway.WithoutCSRF(),
	)
	rt.Handle(http.MethodGet, "/auth/session", h.session)
	rt.Handle(http.MethodGet, "/auth/csrf", h.csrf, gateway.Public())
}

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// compareDummy spends the same time as a real password check so unknown
// accounts are not distinguishable by latency.
func compareDummy(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

func (h *authHandlers) actorKind() identity.ActorKind {
	if h.surface == identity.SurfaceAdmin {
		return identity.KindAdminUser
	}
	return identity.KindClientUser
}

func (h *authHandlers) login(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		return err
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return errors.InvalidCredentials()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cred, err := h.credentials.GetCredentialByEmail(ctx, h.surface, email)
	if stderrors.Is(err, storage.ErrNotFound) {
		compareDummy(req.Password)
		return errors.InvalidCredentials()
	}
	if err != nil {
		return errors.Internal("Credential lookup failed", err)
	}
	if bcrypt.CompareHashAndPassword(cred.PasswordHash, []byte(req.Password)) != nil {
		return errors.InvalidCredentials()
	}
	if cred.Disabled || cred.Surface != h.surface || cred.ActorKind != h.actorKind() {
		return errors.InvalidCredentials()
	}

	role := cred.Role
	if h.surface == identity.SurfaceAdmin {
		role = h.roles.resolve(cred.UserID, role)
	}

	token, err := identity.NewToken()
	if err != nil {
		return errors.Internal("Session token generation failed", err)
	}
	csrfToken, err := identity.NewToken()
	if err != nil {
		return errors.Internal("CSRF token generation failed", err)
	}

	now := h.now().UTC()
	sess := identity.Session{
		ID:        uuid.NewString(),
		TokenHash: identity.HashToken(token),
		Surface:   h.surface,
		ActorKind: cred.ActorKind,
		UserID:    cred.UserID,
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(h.ttl),
	}
	if err := h.sessions.CreateSession(ctx, sess); err != nil {
		return errors.Internal("Session creation failed", err)
	}

	h.cookies.SetSession(w, token, csrfToken, sess.ExpiresAt)
	h.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
		"session_id": sess.ID,
		"actor_id":   sess.UserID,
		"role":       role,
	}).Info("Session created")

	return gateway.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"actor":      sess.Actor().MarshalView(),
		"expires_at": sess.ExpiresAt,
		"csrf_token": csrfToken,
	})
}

func (h *authHandlers) logout(w http.ResponseWriter, r *http.Request) error {
	h.cookies.Clear(w)

	cookie, err := r.Cookie(middleware.SessionCookieName(h.surface))
	if err == nil && identity.WellFormedToken(cookie.Value) {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		if err := h.sessions.RevokeSession(ctx, identity.HashToken(cookie.Value), h.now()); err != nil {
			return errors.Internal("Session revocation failed", err)
		}
	}
	return gateway.WriteSuccess(w, http.StatusOK, nil)
}

func (h *authHandlers) session(w http.ResponseWriter, r *http.Request) error {
	rc := gateway.FromContext(r.Context())
	payload := map[string]interface{}{"actor": rc.Actor.MarshalView()}
	if rc.Session != nil {
		payload["expires_at"] = rc.Session.ExpiresAt
	}
	return gateway.WriteSuccess(w, http.StatusOK, payload)
}

func (h *authHandlers) csrf(w http.ResponseWriter, r *http.Request) error {
	token, err := identity.NewToken()
	if err != nil {
		return errors.Internal("CSRF token generation failed", err)
	}
	expires := h.now().Add(h.ttl)
	if rc := gateway.FromContext(r.Context()); rc.Session != nil {
		expires = rc.Session.ExpiresAt
	}
	http.SetCookie(w, h.cookies.CSRF(token, expires))
	return gateway.WriteSuccess(w, http.StatusOK, map[string]interface{}{"csrf_token": token})
}
