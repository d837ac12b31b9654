package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
	"github.com/lumen-commerce/commerce_layer/internal/errors"
	"github.com/lumen-commerce/commerce_layer/internal/httputil"
	"github.com/lumen-commerce/commerce_layer/internal/metrics"
	"github.com/lumen-commerce/commerce_layer/internal/middleware"
	"github.com/lumen-commerce/commerce_layer/internal/storage"
)

const testOrigin = "https://client.example.com"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	router  *Router
	store   *storage.Memory
	clock   *testClock
	metrics *metrics.Metrics
	surface identity.Surface
}

func newFixture(t *testing.T, surface identity.Surface, allowed []string, productionLike bool) *fixture {
	t.Helper()
	clk := &testClock{now: time.Now()}
	store := storage.NewMemory()
	origins, err := middleware.NewOriginPolicy(allowed, nil, productionLike)
	if err != nil {
		t.Fatalf("NewOriginPolicy: %v", err)
	}
	m := metrics.New("test")
	p := NewPipeline(PipelineConfig{
		Surface:  surface,
		Origins:  origins,
		Sessions: middleware.NewSessionResolver(store, time.Second, nil).WithClock(clk.Now),
		Limiter:  middleware.NewInMemoryLimiter().WithClock(clk.Now),
		Metrics:  m,
	})
	return &fixture{router: NewRouter(p), store: store, clock: clk, metrics: m, surface: surface}
}

func (f *fixture) login(t *testing.T, kind identity.ActorKind, role string) string {
	t.Helper()
	token, _ := identity.NewToken()
	err := f.store.CreateSession(context.Background(), identity.Session{
		TokenHash: identity.HashToken(token),
		Surface:   f.surface,
		ActorKind: kind,
		UserID:    "user-1",
		Role:      role,
		ExpiresAt: f.clock.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return token
}

func (f *fixture) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)
	return rec
}

func okHandler(w http.ResponseWriter, r *http.Request) error {
	rc := FromContext(r.Context())
	return WriteSuccess(w, http.StatusOK, map[string]interface{}{"actor": rc.Actor.MarshalView()})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorEnvelope {
	t.Helper()
	var env httputil.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
	}
	if env.OK {
		t.Fatalf("error envelope has ok=true: %s", rec.Body.String())
	}
	return env
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code errors.ErrorCode) httputil.ErrorEnvelope {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, status, rec.Body.String())
	}
	env := decodeError(t, rec)
	if env.Error.Code != code {
		t.Fatalf("code = %s, want %s", env.Error.Code, code)
	}
	return env
}

func TestProtectedSurfacesRequireSession(t *testing.T) {
	for _, surface := range []identity.Surface{identity.SurfaceClient, identity.SurfaceAdmin} {
		t.Run(string(surface), func(t *testing.T) {
			f := newFixture(t, surface, []string{testOrigin}, true)
			f.router.Handle(http.MethodGet, "/account", okHandler)

			r := httptest.NewRequest(http.MethodGet, "/account", nil)
			r.Header.Set("X-Request-ID", "trace-0001")
			rec := f.do(r)

			env := expectError(t, rec, http.StatusUnauthorized, errors.CodeAuthRequired)
			if env.RequestID != "trace-0001" || rec.Header().Get("X-Request-ID") != "trace-0001" {
				t.Fatalf("request id not propagated: %q", env.RequestID)
			}
			body := rec.Body.String()
			for _, leak := range []string{"goroutine", ".go:", "panic"} {
				if strings.Contains(body, leak) {
					t.Fatalf("body leaks %q: %s", leak, body)
				}
			}
		})
	}
}

func TestSiteIsPublicByDefault(t *testing.T) {
	f := newFixture(t, identity.SurfaceSite, []string{"https://www.example.com"}, true)
	f.router.Handle(http.MethodGet, "/pricing", okHandler)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/pricing", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("missing ok flag: %s", rec.Body.String())
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("CORS must not be echoed without a verified origin")
	}
}

func TestOriginRejections(t *testing.T) {
	f := newFixture(t, identity.SurfaceClient, []string{testOrigin}, true)
	f.router.Handle(http.MethodGet, "/catalog", okHandler, Public())

	r := httptest.NewRequest(http.MethodGet, "/catalog", nil)
	r.Header.Set("Origin", "https://evil.example.net")
	env := expectError(t, f.do(r), http.StatusForbidden, errors.CodeOriginRejected)
	if env.Error.Details["reason"] != middleware.ReasonOriginNotAllowed {
		t.Fatalf("reason = %v", env.Error.Details["reason"])
	}

	r = httptest.NewRequest(http.MethodGet, "/catalog", nil)
	r.Header.Set("Origin", testOrigin)
	rec := f.do(r)
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed origin status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != testOrigin {
		t.Fatal("allowed origin should be echoed")
	}

	bare := newFixture(t, identity.SurfaceClient, nil, true)
	bare.router.Handle(http.MethodGet, "/catalog", okHandler, Public())
	env = expectError(t, bare.do(httptest.NewRequest(http.MethodGet, "/catalog", nil)), http.StatusForbidden, errors.CodeOriginRejected)
	if env.Error.Details["reason"] != middleware.ReasonNoAllowlist {
		t.Fatalf("reason = %v", env.Error.Details["reason"])
	}
}

func TestStateChangingRequestRequiresOriginFirst(t *testing.T) {
	f := newFixture(t, identity.SurfaceClient, []string{testOrigin}, true)
	f.router.Handle(http.MethodPost, "/orders", okHandler)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/orders", nil))
	env := expectError(t, rec, http.StatusForbidden, errors.CodeOriginRejected)
	if env.Error.Details["reason"] != middleware.ReasonMissingOrigin {
		t.Fatalf("reason = %v", env.Error.Details["reason"])
	}
}

func TestCSRFRequiredWithValidSession(t *testing.T) {
	f := newFixture(t, identity.SurfaceClient, []string{testOrigin}, true)
	f.router.Handle(http.MethodPost, "/orders", okHandler)
	token := f.login(t, identity.KindClientUser, "member")

	r := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{}`))
	r.Header.Set("Origin", testOrigin)
	r.AddCookie(&http.Cookie{Name: "client_session", Value: token})
	expectError(t, f.do(r), http.StatusForbidden, errors.CodeCSRFRequired)

	r = httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{}`))
	r.Header.Set("Origin", testOrigin)
	r.AddCookie(&http.Cookie{Name: "client_session", Value: token})
	r.AddCookie(&http.Cookie{Name: "client_csrf", Value: "csrf-1"})
	r.Header.Set(middleware.CSRFHeader, "csrf-1")
	rec := f.do(r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWrongActorKindIsForbidden(t *testing.T) {
	f := newFixture(t, identity.SurfaceAdmin, []string{"https://admin.example.com"}, true)
	f.router.Handle(http.MethodGet, "/events", okHandler, WithRoles("admin", "super_admin"))

	clientToken := f.login(t, identity.KindClientUser, "admin")
	r := httptest.NewRequest(http.MethodGet, "/events", nil)
	r.AddCookie(&http.Cookie{Name: "admin_session", Value: clientToken})
	expectError(t, f.do(r), http.StatusForbidden, errors.CodeForbidden)

	supportToken := f.login(t, identity.KindAdminUser, "support")
	r = httptest.NewRequest(http.MethodGet, "/events", nil)
	r.AddCookie(&http.Cookie{Name: "admin_session", Value: supportToken})
	expectError(t, f.do(r), http.StatusForbidden, errors.CodeForbidden)

	adminToken := f.login(t, identity.KindAdminUser, "admin")
	r = httptest.NewRequest(http.MethodGet, "/events", nil)
	r.AddCookie(&http.Cookie{Name: "admin_session", Value: adminToken})
	if rec := f.do(r); rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimitWindow(t *testing.T) {
	f := newFixture(t, identity.SurfaceSite, []string{"https://www.example.com"}, true)
	calls := 0
	f.router.Handle(http.MethodGet, "/quote", func(w http.ResponseWriter, r *http.Request) error {
		calls++
		return WriteSuccess(w, http.StatusOK, nil)
	}, WithRateLimit(time.Minute, 10, middleware.KeyByIP))

	for i := 1; i <= 10; i++ {
		if rec := f.do(httptest.NewRequest(http.MethodGet, "/quote", nil)); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := f.do(httptest.NewRequest(http.MethodGet, "/quote", nil))
	expectError(t, rec, http.StatusTooManyRequests, errors.CodeRateLimited)
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After missing")
	}
	if calls != 10 {
		t.Fatalf("handler ran %d times, want 10", calls)
	}

	f.clock.Advance(time.Minute)
	if rec := f.do(httptest.NewRequest(http.MethodGet, "/quote", nil)); rec.Code != http.StatusOK {
		t.Fatalf("next window status = %d", rec.Code)
	}
}

func TestBodyGuard(t *testing.T) {
	f := newFixture(t, identity.SurfaceSite, []string{"https://www.example.com"}, true)
	f.router.Handle(http.MethodPost, "/contact", func(w http.ResponseWriter, r *http.Request) error {
		var body map[string]interface{}
		if err := httputil.DecodeJSON(r, &body); err != nil {
			return err
		}
		return WriteSuccess(w, http.StatusOK, nil)
	}, WithoutCSRF(), WithoutOrigin(), WithMaxBody(16))

	r := httptest.NewRequest(http.MethodPost, "/contact", strings.NewReader(`{"message":"far too long for the cap"}`))
	expectError(t, f.do(r), http.StatusRequestEntityTooLarge, errors.CodePayloadTooLarge)

	r = httptest.NewRequest(http.MethodPost, "/contact", strings.NewReader(`{"message":"far too long for the cap"}`))
	r.ContentLength = -1
	expectError(t, f.do(r), http.StatusRequestEntityTooLarge, errors.CodePayloadTooLarge)

	r = httptest.NewRequest(http.MethodPost, "/contact", strings.NewReader(`{"m":"ok"}`))
	if rec := f.do(r); rec.Code != http.StatusOK {
		t.Fatalf("small body status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestFormCSRFUsesRouteBodyCap(t *testing.T) {
	f := newFixture(t, identity.SurfaceSite, []string{"https://www.example.com"}, true)
	f.router.Handle(http.MethodPost, "/upload", func(w http.ResponseWriter, r *http.Request) error {
		return WriteSuccess(w, http.StatusOK, map[string]interface{}{"note_len": len(r.PostForm.Get("note"))})
	}, WithMaxBody(256<<10))
	f.router.Handle(http.MethodPost, "/small", func(w http.ResponseWriter, r *http.Request) error {
		return WriteSuccess(w, http.StatusOK, nil)
	}, WithMaxBody(1024))

	body := "_csrf=tok&note=" + strings.Repeat("x", 100<<10)
	post := func(path string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		r.Header.Set("Origin", "https://www.example.com")
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.AddCookie(&http.Cookie{Name: "site_csrf", Value: "tok"})
		return f.do(r)
	}

	if rec := post("/upload"); rec.Code != http.StatusOK {
		t.Fatalf("form under route cap: status = %d: %s", rec.Code, rec.Body.String())
	}
	expectError(t, post("/small"), http.StatusRequestEntityTooLarge, errors.CodePayloadTooLarge)
}

func TestHandlerErrorsAreSanitized(t *testing.T) {
	f := newFixture(t, identity.SurfaceSite, []string{"https://www.example.com"}, true)
	f.router.Handle(http.MethodGet, "/boom", func(w http.ResponseWriter, r *http.Request) error {
		return stderrors.New("pq: relation \"secrets\" does not exist")
	})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/boom", nil))
	env := expectError(t, rec, http.StatusInternalServerError, errors.CodeInternal)
	if env.Error.Message != "Internal server error" || env.Error.Details != nil {
		t.Fatalf("internal error leaked: %+v", env.Error)
	}
	if strings.Contains(rec.Body.String(), "secrets") {
		t.Fatalf("cause leaked: %s", rec.Body.String())
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	f := newFixture(t, identity.SurfaceSite, []string{"https://www.example.com"}, true)
	f.router.Handle(http.MethodGet, "/items/{id}", okHandler)
	f.router.Handle(http.MethodDelete, "/items/{id}", okHandler)

	expectError(t, f.do(httptest.NewRequest(http.MethodGet, "/nope", nil)), http.StatusNotFound, errors.CodeNotFound)

	rec := f.do(httptest.NewRequest(http.MethodPut, "/items/7", nil))
	expectError(t, rec, http.StatusMethodNotAllowed, errors.CodeMethodNotAllowed)
	if got := rec.Header().Get("Allow"); got != "DELETE, GET, OPTIONS" {
		t.Fatalf("Allow = %q", got)
	}
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, identity.SurfaceClient, []string{testOrigin}, true)
	f.router.Handle(http.MethodPost, "/orders", okHandler)

	r := httptest.NewRequest(http.MethodOptions, "/orders", nil)
	r.Header.Set("Origin", testOrigin)
	rec := f.do(r)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != testOrigin || rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("preflight headers missing: %v", rec.Header())
	}

	r = httptest.NewRequest(http.MethodOptions, "/orders", nil)
	r.Header.Set("Origin", "https://evil.example.net")
	expectError(t, f.do(r), http.StatusForbidden, errors.CodeOriginRejected)
}

func TestDefaultPolicy(t *testing.T) {
	site := DefaultPolicy(identity.SurfaceSite, http.MethodGet)
	if site.RequireAuth || site.RequireOrigin || !site.CheckOrigin {
		t.Fatalf("site GET policy = %+v", site)
	}
	client := DefaultPolicy(identity.SurfaceClient, http.MethodPost)
	if !client.RequireAuth || !client.RequireOrigin || !client.RequireCSRF {
		t.Fatalf("client POST policy = %+v", client)
	}
	if client.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Fatalf("max body = %d", client.MaxBodyBytes)
	}

	spec := BuildPolicy(identity.SurfaceAdmin, http.MethodPost, Public(), WithoutCSRF(), WithoutOrigin(), WithoutRateLimit())
	if spec.RequireAuth || spec.RequireCSRF || spec.CheckOrigin || spec.RateLimit != nil {
		t.Fatalf("options not applied: %+v", spec)
	}
}
