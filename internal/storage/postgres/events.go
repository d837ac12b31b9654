package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lumen-commerce/commerce_layer/internal/domain/billing"
	"github.com/lumen-commerce/commerce_layer/internal/storage"
)

const eventColumns = `id, provider, provider_event_id, live_mode, type, received_at, process_status,
	processing_started_at, processed_at, processing_attempts, failure_reason, last_error_code,
	payload, raw_body_hash`

type eventRow struct {
	ID                  string         `db:"id"`
	Provider            string         `db:"provider"`
	ProviderEventID     string         `db:"provider_event_id"`
	LiveMode            bool           `db:"live_mode"`
	Type                string         `db:"type"`
	ReceivedAt          time.Time      `db:"received_at"`
	ProcessStatus       string         `db:"process_status"`
	ProcessingStartedAt sql.NullTime   `db:"processing_started_at"`
	ProcessedAt         sql.NullTime   `db:"processed_at"`
	ProcessingAttempts  int            `db:"processing_attempts"`
	FailureReason       sql.NullString `db:"failure_reason"`
	LastErrorCode       sql.NullString `db:"last_error_code"`
	Payload             []byte         `db:"payload"`
	RawBodyHash         sql.NullString `db:"raw_body_hash"`
}

func (r eventRow) toEvent() (billing.Event, error) {
	status, err := billing.ParseStatus(r.ProcessStatus)
	if err != nil {
		return billing.Event{}, err
	}
	evt := billing.Event{
		ID:                 r.ID,
		Provider:           r.Provider,
		ProviderEventID:    r.ProviderEventID,
		LiveMode:           r.LiveMode,
		Type:               r.Type,
		ReceivedAt:         r.ReceivedAt.UTC(),
		Status:             status,
		ProcessingAttempts: r.ProcessingAttempts,
		FailureReason:      r.FailureReason.String,
		LastErrorCode:      r.LastErrorCode.String,
		RawBodyHash:        r.RawBodyHash.String,
	}
	if r.ProcessingStartedAt.Valid {
		t := r.ProcessingStartedAt.Time.UTC()
		evt.ProcessingStartedAt = &t
	}
	if r.ProcessedAt.Valid {
		t := r.ProcessedAt.Time.UTC()
		evt.ProcessedAt = &t
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &evt.Payload); err != nil {
			return billing.Event{}, fmt.Errorf("decode payload of event %s: %w", r.ID, err)
		}
	}
	return evt, nil
}

// --- ClaimStore ---------------------------------------------------------------

func (s *Store) ClaimEventReceived(ctx context.Context, in billing.ClaimInput) (billing.ClaimResult, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return billing.ClaimResult{}, fmt.Errorf("encode payload: %w", err)
	}
	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}

	var row eventRow
	err = s.db.GetContext(ctx, &row, `
		INSERT INTO billing_events (id, provider, provider_event_id, live_mode, type, received_at,
			process_status, processing_attempts, payload, raw_body_hash)
		VALUES ($1, $2, $3, $4, $5, $6, 'RECEIVED', 0, $7, NULLIF($8, ''))
		ON CONFLICT (provider_event_id, live_mode) DO NOTHING
		RETURNING `+eventColumns,
		uuid.NewString(), in.Provider, in.ProviderEventID, in.LiveMode, in.Type, receivedAt.UTC(), payload, in.RawBodyHash)
	switch {
	case err == nil:
		evt, convErr := row.toEvent()
		if convErr != nil {
			return billing.ClaimResult{}, convErr
		}
		return billing.ClaimResult{Claimed: true, Event: evt}, nil
	case errors.Is(err, sql.ErrNoRows):
		// The unique index rejected the insert: someone else holds the claim.
	default:
		return billing.ClaimResult{}, fmt.Errorf("claim event %s: %w", in.Key(), err)
	}

	err = s.db.GetContext(ctx, &row, `
		SELECT `+eventColumns+`
		FROM billing_events
		WHERE provider_event_id = $1 AND live_mode = $2
	`, in.ProviderEventID, in.LiveMode)
	if err != nil {
		return billing.ClaimResult{}, fmt.Errorf("load claimed event %s: %w", in.Key(), err)
	}
	evt, err := row.toEvent()
	if err != nil {
		return billing.ClaimResult{}, err
	}
	return billing.ClaimResult{Claimed: false, Event: evt}, nil
}

func (s *Store) MarkProcessing(ctx context.Context, id string, at time.Time) (billing.Event, error) {
	return s.transition(ctx, id, billing.StatusProcessing, `
		processing_started_at = $3,
		processing_attempts = processing_attempts + 1`, at.UTC())
}

func (s *Store) MarkProcessed(ctx context.Context, id string, at time.Time) (billing.Event, error) {
	return s.transition(ctx, id, billing.StatusProcessed, `
		processed_at = $3,
		failure_reason = NULL,
		last_error_code = NULL`, at.UTC())
}

func (s *Store) MarkFailed(ctx context.Context, id, reason, code string, at time.Time) (billing.Event, error) {
	return s.transition(ctx, id, billing.StatusFailed, `
		processed_at = $3,
		failure_reason = $4,
		last_error_code = $5`, at.UTC(), billing.TruncateReason(reason), code)
}

func (s *Store) MarkIgnored(ctx context.Context, id, reason string, at time.Time) (billing.Event, error) {
	return s.transition(ctx, id, billing.StatusIgnored, `
		processed_at = $3,
		failure_reason = $4`, at.UTC(), billing.TruncateReason(reason))
}

// transition performs a conditional update guarded by the allowed predecessor
// states of to. setClause may reference $3 onward.
func (s *Store) transition(ctx context.Context, id string, to billing.Status, setClause string, args ...interface{}) (billing.Event, error) {
	from := billing.Predecessors(to)
	query := `
		UPDATE billing_events
		SET process_status = '` + string(to) + `',` + setClause + `
		WHERE id = $1 AND process_status = ANY($2)
		RETURNING ` + eventColumns

	params := append([]interface{}{id, pq.Array(statusStrings(from))}, args...)

	var row eventRow
	err := s.db.GetContext(ctx, &row, query, params...)
	if err == nil {
		return row.toEvent()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return billing.Event{}, fmt.Errorf("mark event %s %s: %w", id, strings.ToLower(string(to)), err)
	}

	current, getErr := s.GetEvent(ctx, id)
	if getErr != nil {
		return billing.Event{}, getErr
	}
	return billing.Event{}, &storage.TransitionError{EventID: id, From: current.Status, To: to}
}

func (s *Store) GetEvent(ctx context.Context, id string) (billing.Event, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `SELECT `+eventColumns+` FROM billing_events WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Event{}, storage.ErrNotFound
	}
	if err != nil {
		return billing.Event{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return row.toEvent()
}

func (s *Store) ListEvents(ctx context.Context, filter billing.EventFilter) ([]billing.Event, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var rows []eventRow
	var err error
	if filter.Status != "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+eventColumns+`
			FROM billing_events
			WHERE process_status = $1
			ORDER BY received_at DESC
			LIMIT $2`, string(filter.Status), limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+eventColumns+`
			FROM billing_events
			ORDER BY received_at DESC
			LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return toEvents(rows)
}

func (s *Store) ListStaleEvents(ctx context.Context, cutoff time.Time) ([]billing.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+eventColumns+`
		FROM billing_events
		WHERE process_status IN ('RECEIVED', 'PROCESSING') AND received_at < $1
		ORDER BY received_at ASC
		LIMIT 500`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale events: %w", err)
	}
	return toEvents(rows)
}

func toEvents(rows []eventRow) ([]billing.Event, error) {
	out := make([]billing.Event, 0, len(rows))
	for _, r := range rows {
		evt, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

func statusStrings(in []billing.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
