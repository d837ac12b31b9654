package gateway

import (
	"net/http"
	"time"

	"github.com/lumen-commerce/commerce_layer/internal/config"
	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
	"github.com/lumen-commerce/commerce_layer/internal/middleware"
)

// Cookies sets and clears the surface-scoped session and CSRF cookies. Clear
// uses exactly the attributes used to set them, otherwise browsers keep the
// original cookie.
type Cookies struct {
	surface identity.Surface
	policy  config.CookiePolicy
}

// NewCookies creates the cookie helper for surface.
func NewCookies(surface identity.Surface, policy config.CookiePolicy) Cookies {
	return Cookies{surface: surface, policy: policy}
}

func (c Cookies) cookie(name, value string, httpOnly bool) *http.Cookie {
	sameSite := c.policy.SameSite
	if sameSite == 0 {
		sameSite = http.SameSiteLaxMode
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.policy.Domain,
		Secure:   c.policy.Secure,
		HttpOnly: httpOnly,
		SameSite: sameSite,
	}
}

// Session returns the session cookie carrying token until expires.
func (c Cookies) Session(token string, expires time.Time) *http.Cookie {
	ck := c.cookie(middleware.SessionCookieName(c.surface), token, true)
	ck.Expires = expires.UTC()
	return ck
}

// CSRF returns the script-readable CSRF cookie carrying token until expires.
func (c Cookies) CSRF(token string, expires time.Time) *http.Cookie {
	ck := c.cookie(middleware.CSRFCookieName(c.surface), token, false)
	ck.Expires = expires.UTC()
	return ck
}

// SetSession writes both cookies for a new session.
func (c Cookies) SetSession(w http.ResponseWriter, sessionToken, csrfToken string, expires time.Time) {
	http.SetCookie(w, c.Session(sessionToken, expires))
	http.SetCookie(w, c.CSRF(csrfToken, expires))
}

// Clear expires both cookies.
func (c Cookies) Clear(w http.ResponseWriter) {
	for _, ck := range []*http.Cookie{
		c.cookie(middleware.SessionCookieName(c.surface), "", true),
		c.cookie(middleware.CSRFCookieName(c.surface), "", false),
	} {
		ck.MaxAge = -1
		ck.Expires = time.Unix(0, 0).UTC()
		http.SetCookie(w, ck)
	}
}
