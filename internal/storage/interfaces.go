// Package storage declares the persistence ports consumed by the gateway and
// the webhook processor.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lumen-commerce/commerce_layer/internal/domain/billing"
	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidTransition is returned when an event status update would not
	// move the event forward.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)

// TransitionError describes a rejected status update.
type TransitionError struct {
	EventID string
	From    billing.Status
	To      billing.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %s: cannot move from %s to %s", e.EventID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// SessionStore persists surface sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s identity.Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (identity.Session, error)
	// RevokeSession is idempotent; unknown hashes are not an error.
	RevokeSession(ctx context.Context, tokenHash string, at time.Time) error
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// CredentialStore resolves login identities.
type CredentialStore interface {
	GetCredentialByEmail(ctx context.Context, surface identity.Surface, email string) (identity.Credential, error)
}

// ClaimStore is the durable dedup ledger for provider events. Its atomicity
// guarantees that at most one ClaimEventReceived call observes Claimed=true
// for a given (provider event id, live mode) pair.
type ClaimStore interface {
	ClaimEventReceived(ctx context.Context, in billing.ClaimInput) (billing.ClaimResult, error)
	MarkProcessing(ctx context.Context, id string, at time.Time) (billing.Event, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) (billing.Event, error)
	MarkFailed(ctx context.Context, id, reason, code string, at time.Time) (billing.Event, error)
	MarkIgnored(ctx context.Context, id, reason string, at time.Time) (billing.Event, error)

	GetEvent(ctx context.Context, id string) (billing.Event, error)
	ListEvents(ctx context.Context, filter billing.EventFilter) ([]billing.Event, error)
	// ListStaleEvents returns non-terminal events received before cutoff.
	ListStaleEvents(ctx context.Context, cutoff time.Time) ([]billing.Event, error)
}

// LedgerStore applies side-effect batches. Rows are upserted by provider id,
// so reapplying a batch is harmless.
type LedgerStore interface {
	ApplyLedgerBatch(ctx context.Context, batch billing.LedgerBatch) error
}
