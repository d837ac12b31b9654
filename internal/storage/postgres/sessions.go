package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
	"github.com/lumen-commerce/commerce_layer/internal/storage"
)

type sessionRow struct {
	ID        string       `db:"id"`
	TokenHash string       `db:"token_hash"`
	Surface   string       `db:"surface"`
	ActorKind string       `db:"actor_kind"`
	UserID    string       `db:"user_id"`
	Role      string       `db:"role"`
	CreatedAt time.Time    `db:"created_at"`
	ExpiresAt time.Time    `db:"expires_at"`
	RevokedAt sql.NullTime `db:"revoked_at"`
}

func (r sessionRow) toSession() (identity.Session, error) {
	surface, err := identity.ParseSurface(r.Surface)
	if err != nil {
		return identity.Session{}, err
	}
	kind, err := identity.ParseActorKind(r.ActorKind)
	if err != nil {
		return identity.Session{}, err
	}
	s := identity.Session{
		ID:        r.ID,
		TokenHash: r.TokenHash,
		Surface:   surface,
		ActorKind: kind,
		UserID:    r.UserID,
		Role:      r.Role,
		CreatedAt: r.CreatedAt.UTC(),
		ExpiresAt: r.ExpiresAt.UTC(),
	}
	if r.RevokedAt.Valid {
		t := r.RevokedAt.Time.UTC()
		s.RevokedAt = &t
	}
	return s, nil
}

// --- SessionStore -------------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, sess identity.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_sessions (id, token_hash, surface, actor_kind, user_id, role, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sess.ID, sess.TokenHash, string(sess.Surface), sess.ActorKind.String(), sess.UserID, sess.Role,
		sess.CreatedAt.UTC(), sess.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (identity.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, token_hash, surface, actor_kind, user_id, role, created_at, expires_at, revoked_at
		FROM user_sessions
		WHERE token_hash = $1
	`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return identity.Session{}, fmt.Errorf("get session: %w", err)
	}
	return row.toSession()
}

func (s *Store) RevokeSession(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_sessions SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, tokenHash, at.UTC())
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_sessions
		WHERE expires_at <= $1 OR revoked_at IS NOT NULL
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

// --- CredentialStore ----------------------------------------------------------

type credentialRow struct {
	UserID       string `db:"user_id"`
	Email        string `db:"email"`
	Surface      string `db:"surface"`
	ActorKind    string `db:"actor_kind"`
	Role         string `db:"role"`
	PasswordHash []byte `db:"password_hash"`
	Disabled     bool   `db:"disabled"`
}

func (s *Store) GetCredentialByEmail(ctx context.Context, surface identity.Surface, email string) (identity.Credential, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, email, surface, actor_kind, role, password_hash, disabled
		FROM user_credentials
		WHERE surface = $1 AND lower(email) = lower($2)
	`, string(surface), email)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Credential{}, storage.ErrNotFound
	}
	if err != nil {
		return identity.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	kind, err := identity.ParseActorKind(row.ActorKind)
	if err != nil {
		return identity.Credential{}, err
	}
	return identity.Credential{
		UserID:       row.UserID,
		Email:        row.Email,
		Surface:      surface,
		ActorKind:    kind,
		Role:         row.Role,
		PasswordHash: row.PasswordHash,
		Disabled:     row.Disabled,
	}, nil
}
