package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lumen-commerce/commerce_layer/internal/config"
	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
)

func TestCookiesClearMatchesSetAttributes(t *testing.T) {
	c := NewCookies(identity.SurfaceAdmin, config.CookiePolicy{
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		Domain:   "example.com",
	})

	set := httptest.NewRecorder()
	c.SetSession(set, "sess", "csrf", time.Now().Add(time.Hour))
	cleared := httptest.NewRecorder()
	c.Clear(cleared)

	setCookies := (&http.Response{Header: set.Header()}).Cookies()
	clearCookies := (&http.Response{Header: cleared.Header()}).Cookies()
	if len(setCookies) != 2 || len(clearCookies) != 2 {
		t.Fatalf("cookies set=%d cleared=%d", len(setCookies), len(clearCookies))
	}

	for i := range setCookies {
		s, x := setCookies[i], clearCookies[i]
		if s.Name != x.Name || s.Path != x.Path || s.Domain != x.Domain ||
			s.Secure != x.Secure || s.HttpOnly != x.HttpOnly || s.SameSite != x.SameSite {
			t.Errorf("attribute mismatch: set %+v cleared %+v", s, x)
		}
		if x.MaxAge >= 0 || x.Value != "" {
			t.Errorf("cookie %s not expired: %+v", x.Name, x)
		}
	}

	if setCookies[0].Name != "admin_session" || !setCookies[0].HttpOnly {
		t.Fatalf("session cookie = %+v", setCookies[0])
	}
	if setCookies[1].Name != "admin_csrf" || setCookies[1].HttpOnly {
		t.Fatalf("csrf cookie = %+v", setCookies[1])
	}
}
