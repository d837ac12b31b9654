package identity

import (
	"testing"
	"time"
)

func TestParseSurface(t *testing.T) {
	for _, in := range []string{"site", "Client", " admin "} {
		if _, err := ParseSurface(in); err != nil {
			t.Errorf("ParseSurface(%q) error: %v", in, err)
		}
	}
	if _, err := ParseSurface("partner"); err == nil {
		t.Fatal("expected error for unknown surface")
	}
	if Surface("partner").Valid() {
		t.Fatal("partner should not be valid")
	}
}

func TestZeroActorIsAnonymous(t *testing.T) {
	var a Actor
	if !a.IsAnonymous() || a.IsAuthenticated() {
		t.Fatal("zero actor must be anonymous")
	}
	if a != Anonymous() {
		t.Fatal("zero actor differs from Anonymous()")
	}
}

func TestNewActorVariants(t *testing.T) {
	c := NewActor(KindClientUser, "u1", "owner")
	if c.Kind() != KindClientUser || c.ID() != "u1" || c.Role() != "owner" {
		t.Fatalf("unexpected client actor %+v", c)
	}
	a := NewActor(KindAdminUser, "a1", "super_admin")
	if a.Kind() != KindAdminUser {
		t.Fatalf("kind = %s", a.Kind())
	}
	anon := NewActor(KindAnonymous, "ignored", "ignored")
	if anon.ID() != "" || anon.Role() != "" {
		t.Fatal("anonymous actor must not carry identity")
	}
}

func TestActorKindRoundTrip(t *testing.T) {
	for _, k := range []ActorKind{KindAnonymous, KindClientUser, KindAdminUser} {
		got, err := ParseActorKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseActorKind(%s) = %v, %v", k, got, err)
		}
	}
}

func TestSessionActive(t *testing.T) {
	now := time.Now()
	s := Session{ExpiresAt: now.Add(time.Minute)}
	if !s.Active(now) {
		t.Fatal("session should be active")
	}
	if s.Active(now.Add(2 * time.Minute)) {
		t.Fatal("expired session reported active")
	}
	revoked := now
	s.RevokedAt = &revoked
	if s.Active(now) {
		t.Fatal("revoked session reported active")
	}
}

func TestTokens(t *testing.T) {
	tok, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if !WellFormedToken(tok) {
		t.Fatalf("token %q not well formed", tok)
	}
	if WellFormedToken("short") || WellFormedToken(tok[:62]+"zz") {
		t.Fatal("malformed token accepted")
	}
	if HashToken(tok) == tok || len(HashToken(tok)) != 64 {
		t.Fatal("unexpected hash")
	}
}
