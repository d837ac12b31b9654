package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Session is a durable login bound to one surface. Only the token hash is
// persisted; the raw token lives in the surface-scoped cookie.
type Session struct {
	ID        string
	TokenHash string
	Surface   Surface
	ActorKind ActorKind
	UserID    string
	Role      string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Active reports whether the session may still authenticate at now.
func (s Session) Active(now time.Time) bool {
	if s.RevokedAt != nil {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// Actor returns the actor the session authenticates.
func (s Session) Actor() Actor {
	return NewActor(s.ActorKind, s.UserID, s.Role)
}

// Credential is a login identity for one surface.
type Credential struct {
	UserID       string
	Email        string
	Surface      Surface
	ActorKind    ActorKind
	Role         string
	PasswordHash []byte
	Disabled     bool
}

// TokenBytes is the entropy of session and CSRF tokens.
const TokenBytes = 32

// NewToken returns a random hex token.
func NewToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the persisted form of a session token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// WellFormedToken reports whether token looks like a value NewToken produced.
func WellFormedToken(token string) bool {
	if len(token) != TokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}
