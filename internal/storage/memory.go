package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumen-commerce/commerce_layer/internal/domain/billing"
	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
)

// Memory is a thread-safe in-memory persistence layer implementing every
// storage port. The dedup index is guarded by the same mutex as the event
// rows, which gives ClaimEventReceived the insert-if-absent atomicity a
// unique constraint gives the Postgres store.
type Memory struct {
	mu sync.RWMutex

	sessions    map[string]identity.Session
	credentials map[string]identity.Credential

	events   map[string]billing.Event
	eventKey map[billing.DedupKey]string

	transactions map[string]billing.Transaction
	lineItems    map[string]billing.LineItem
	refunds      map[string]billing.Refund

	// ErrorOnNextCall is returned (and cleared) by the next ledger or claim call.
	ErrorOnNextCall error
}

var (
	_ SessionStore    = (*Memory)(nil)
	_ CredentialStore = (*Memory)(nil)
	_ ClaimStore      = (*Memory)(nil)
	_ LedgerStore     = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:     make(map[string]identity.Session),
		credentials:  make(map[string]identity.Credential),
		events:       make(map[string]billing.Event),
		eventKey:     make(map[billing.DedupKey]string),
		transactions: make(map[string]billing.Transaction),
		lineItems:    make(map[string]billing.LineItem),
		refunds:      make(map[string]billing.Refund),
	}
}

func (m *Memory) checkErrorLocked() error {
	if m.ErrorOnNextCall != nil {
		err := m.ErrorOnNextCall
		m.ErrorOnNextCall = nil
		return err
	}
	return nil
}

// SessionStore implementation -------------------------------------------------

func (m *Memory) CreateSession(_ context.Context, s identity.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.sessions[s.TokenHash] = s
	return nil
}

func (m *Memory) GetSessionByTokenHash(_ context.Context, tokenHash string) (identity.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[tokenHash]
	if !ok {
		return identity.Session{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) RevokeSession(_ context.Context, tokenHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenHash]
	if !ok || s.RevokedAt != nil {
		return nil
	}
	revoked := at.UTC()
	s.RevokedAt = &revoked
	m.sessions[tokenHash] = s
	return nil
}

func (m *Memory) PurgeExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for hash, s := range m.sessions {
		if !s.Active(now) {
			delete(m.sessions, hash)
			n++
		}
	}
	return n, nil
}

// SessionCount returns the number of stored sessions.
func (m *Memory) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CredentialStore implementation ----------------------------------------------

// PutCredential registers a login identity.
func (m *Memory) PutCredential(c identity.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.UserID == "" {
		c.UserID = uuid.NewString()
	}
	m.credentials[credentialKey(c.Surface, c.Email)] = c
}

func (m *Memory) GetCredentialByEmail(_ context.Context, surface identity.Surface, email string) (identity.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[credentialKey(surface, email)]
	if !ok {
		return identity.Credential{}, ErrNotFound
	}
	return c, nil
}

func credentialKey(surface identity.Surface, email string) string {
	return string(surface) + "|" + strings.ToLower(strings.TrimSpace(email))
}

// ClaimStore implementation ---------------------------------------------------

func (m *Memory) ClaimEventReceived(_ context.Context, in billing.ClaimInput) (billing.ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkErrorLocked(); err != nil {
		return billing.ClaimResult{}, err
	}

	if id, exists := m.eventKey[in.Key()]; exists {
		return billing.ClaimResult{Claimed: false, Event: cloneEvent(m.events[id])}, nil
	}

	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	evt := billing.Event{
		ID:              uuid.NewString(),
		Provider:        in.Provider,
		ProviderEventID: in.ProviderEventID,
		LiveMode:        in.LiveMode,
		Type:            in.Type,
		ReceivedAt:      receivedAt.UTC(),
		Status:          billing.StatusReceived,
		Payload:         copyMap(in.Payload),
		RawBodyHash:     in.RawBodyHash,
	}
	m.events[evt.ID] = evt
	m.eventKey[in.Key()] = evt.ID
	return billing.ClaimResult{Claimed: true, Event: cloneEvent(evt)}, nil
}

func (m *Memory) MarkProcessing(_ context.Context, id string, at time.Time) (billing.Event, error) {
	return m.transition(id, billing.StatusProcessing, func(e *billing.Event) {
		started := at.UTC()
		e.ProcessingStartedAt = &started
		e.ProcessingAttempts++
	})
}

func (m *Memory) MarkProcessed(_ context.Context, id string, at time.Time) (billing.Event, error) {
	return m.transition(id, billing.StatusProcessed, func(e *billing.Event) {
		done := at.UTC()
		e.ProcessedAt = &done
		e.FailureReason = ""
		e.LastErrorCode = ""
	})
}

func (m *Memory) MarkFailed(_ context.Context, id, reason, code string, at time.Time) (billing.Event, error) {
	return m.transition(id, billing.StatusFailed, func(e *billing.Event) {
		done := at.UTC()
		e.ProcessedAt = &done
		e.FailureReason = billing.TruncateReason(reason)
		e.LastErrorCode = code
	})
}

func (m *Memory) MarkIgnored(_ context.Context, id, reason string, at time.Time) (billing.Event, error) {
	return m.transition(id, billing.StatusIgnored, func(e *billing.Event) {
		done := at.UTC()
		e.ProcessedAt = &done
		e.FailureReason = billing.TruncateReason(reason)
	})
}

func (m *Memory) transition(id string, to billing.Status, apply func(*billing.Event)) (billing.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkErrorLocked(); err != nil {
		return billing.Event{}, err
	}

	evt, ok := m.events[id]
	if !ok {
		return billing.Event{}, ErrNotFound
	}
	if !billing.CanTransition(evt.Status, to) {
		return billing.Event{}, &TransitionError{EventID: id, From: evt.Status, To: to}
	}
	evt.Status = to
	apply(&evt)
	m.events[id] = evt
	return cloneEvent(evt), nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (billing.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evt, ok := m.events[id]
	if !ok {
		return billing.Event{}, ErrNotFound
	}
	return cloneEvent(evt), nil
}

func (m *Memory) ListEvents(_ context.Context, filter billing.EventFilter) ([]billing.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.Event, 0, len(m.events))
	for _, evt := range m.events {
		if filter.Status != "" && evt.Status != filter.Status {
			continue
		}
		out = append(out, cloneEvent(evt))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) ListStaleEvents(_ context.Context, cutoff time.Time) ([]billing.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Event
	for _, evt := range m.events {
		if evt.Status.Terminal() || !evt.ReceivedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneEvent(evt))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// EventCount returns the number of stored events.
func (m *Memory) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// LedgerStore implementation --------------------------------------------------

func (m *Memory) ApplyLedgerBatch(_ context.Context, batch billing.LedgerBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkErrorLocked(); err != nil {
		return err
	}
	for _, tx := range batch.Transactions {
		m.transactions[tx.ProviderObjectID] = tx
	}
	for _, li := range batch.LineItems {
		m.lineItems[li.ProviderLineItemID] = li
	}
	for _, rf := range batch.Refunds {
		m.refunds[rf.ProviderRefundID] = rf
	}
	return nil
}

// LedgerCounts returns the number of transactions, line items and refunds.
func (m *Memory) LedgerCounts() (transactions, lineItems, refunds int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transactions), len(m.lineItems), len(m.refunds)
}

// Transaction returns the stored transaction for a provider object id.
func (m *Memory) Transaction(providerObjectID string) (billing.Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[providerObjectID]
	return tx, ok
}

// helpers ---------------------------------------------------------------------

func cloneEvent(e billing.Event) billing.Event {
	e.Payload = copyMap(e.Payload)
	if e.ProcessingStartedAt != nil {
		t := *e.ProcessingStartedAt
		e.ProcessingStartedAt = &t
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		e.ProcessedAt = &t
	}
	return e
}

func copyMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
