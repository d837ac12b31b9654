package middleware

import (
	"testing"

	"github.com/lumen-commerce/commerce_layer/internal/errors"
)

func rejectionReason(t *testing.T, err error) string {
	t.Helper()
	se := errors.GetServiceError(err)
	if se == nil || se.Code != errors.CodeOriginRejected {
		t.Fatalf("error = %v, want ORIGIN_REJECTED", err)
	}
	reason, _ := se.Details["reason"].(string)
	return reason
}

func TestOriginPolicyExactMatch(t *testing.T) {
	p, err := NewOriginPolicy([]string{"https://Client.Example.com/", "http://localhost:3000"}, nil, true)
	if err != nil {
		t.Fatalf("NewOriginPolicy: %v", err)
	}

	for _, origin := range []string{"https://client.example.com", "http://localhost:3000"} {
		echo, err := p.Check(origin, true)
		if err != nil || !echo {
			t.Errorf("Check(%q) = %v, %v; want allowed", origin, echo, err)
		}
	}

	for _, origin := range []string{
		"https://evil.example.com",
		"http://client.example.com",
		"https://client.example.com:8443",
		"https://client.example.com/path",
		"null",
		"not a url",
	} {
		if _, err := p.Check(origin, false); rejectionReason(t, err) != ReasonOriginNotAllowed {
			t.Errorf("Check(%q) reason mismatch", origin)
		}
	}
}

func TestOriginPolicyMissingHeader(t *testing.T) {
	p, _ := NewOriginPolicy([]string{"https://client.example.com"}, nil, true)

	if _, err := p.Check("", true); rejectionReason(t, err) != ReasonMissingOrigin {
		t.Fatal("required origin should be rejected as missing")
	}
	echo, err := p.Check("", false)
	if err != nil || echo {
		t.Fatalf("optional missing origin = %v, %v; want pass without echo", echo, err)
	}
}

func TestOriginPolicyEmptyAllowlist(t *testing.T) {
	prod, _ := NewOriginPolicy(nil, nil, true)
	if _, err := prod.Check("", false); rejectionReason(t, err) != ReasonNoAllowlist {
		t.Fatal("production without allowlist must reject")
	}
	if _, err := prod.Check("https://client.example.com", true); rejectionReason(t, err) != ReasonNoAllowlist {
		t.Fatal("production without allowlist must reject any origin")
	}

	dev, _ := NewOriginPolicy(nil, nil, false)
	echo, err := dev.Check("http://localhost:5173", true)
	if err != nil || echo {
		t.Fatalf("development without allowlist = %v, %v; want pass without echo", echo, err)
	}
}

func TestOriginPolicyRejectsWildcard(t *testing.T) {
	if _, err := NewOriginPolicy([]string{"*"}, nil, false); err == nil {
		t.Fatal("expected error for * origin")
	}
}

func TestOriginPolicyPreviewPatterns(t *testing.T) {
	p, err := NewOriginPolicy(nil, []string{"https://client-*.preview.example.app"}, true)
	if err != nil {
		t.Fatalf("NewOriginPolicy: %v", err)
	}

	allowed := []string{
		"https://client-pr-42.preview.example.app",
		"https://CLIENT-abc.preview.example.app",
	}
	for _, origin := range allowed {
		if !p.Allowed(origin) {
			t.Errorf("Allowed(%q) = false", origin)
		}
	}

	denied := []string{
		"https://client-.preview.example.app",
		"https://client-a.b.preview.example.app",
		"https://client-a_b.preview.example.app",
		"http://client-pr-1.preview.example.app",
		"https://admin-pr-1.preview.example.app",
		"https://client-pr-1.preview.example.app.evil.com",
		"https://client-pr-1.preview.example.app:8443",
	}
	for _, origin := range denied {
		if p.Allowed(origin) {
			t.Errorf("Allowed(%q) = true", origin)
		}
	}
}

func TestParseOriginPatternRejectsBroadWildcards(t *testing.T) {
	for _, raw := range []string{
		"https://*.app",
		"https://example.*",
		"https://preview.*.app",
		"ftp://client-*.example.app",
		"https://client-**.preview.example.app",
		"https://client.preview.example.app",
	} {
		if _, err := parseOriginPattern(raw); err == nil {
			t.Errorf("parseOriginPattern(%q) should fail", raw)
		}
	}
	if _, err := parseOriginPattern("https://*.preview.example.app"); err != nil {
		t.Errorf("subdomain wildcard rejected: %v", err)
	}
}
