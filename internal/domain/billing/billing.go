// Package billing defines provider billing events and the ledger rows their
// processing produces.
package billing

import (
	"fmt"
	"time"
)

// Status is the processing state of a BillingEvent.
type Status string

const (
	StatusReceived   Status = "RECEIVED"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
	StatusIgnored    Status = "IGNORED"
)

// ParseStatus converts s into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusReceived, StatusProcessing, StatusProcessed, StatusFailed, StatusIgnored:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown billing event status %q", s)
	}
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusProcessed, StatusFailed, StatusIgnored:
		return true
	default:
		return false
	}
}

// CanTransition reports whether an event may move from one status to another.
// Transitions only move forward:
//
//	RECEIVED -> PROCESSING -> PROCESSED | FAILED
//	RECEIVED -> IGNORED | FAILED
//
// RECEIVED -> FAILED covers a claimed event whose processing mark could not
// be written.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusReceived:
		return to == StatusProcessing || to == StatusIgnored || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessed || to == StatusFailed
	case StatusProcessed, StatusFailed, StatusIgnored:
		return false
	default:
		return false
	}
}

var allStatuses = []Status{StatusReceived, StatusProcessing, StatusProcessed, StatusFailed, StatusIgnored}

// Predecessors returns the statuses from which to may be entered.
func Predecessors(to Status) []Status {
	var out []Status
	for _, s := range allStatuses {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// DedupKey uniquely identifies one provider event across redeliveries.
type DedupKey struct {
	ProviderEventID string
	LiveMode        bool
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%s:%t", k.ProviderEventID, k.LiveMode)
}

// Event is one externally delivered provider event.
type Event struct {
	ID                  string                 `json:"id" db:"id"`
	Provider            string                 `json:"provider" db:"provider"`
	ProviderEventID     string                 `json:"provider_event_id" db:"provider_event_id"`
	LiveMode            bool                   `json:"live_mode" db:"live_mode"`
	Type                string                 `json:"type" db:"type"`
	ReceivedAt          time.Time              `json:"received_at" db:"received_at"`
	Status              Status                 `json:"process_status" db:"process_status"`
	ProcessingStartedAt *time.Time             `json:"processing_started_at,omitempty" db:"processing_started_at"`
	ProcessedAt         *time.Time             `json:"processed_at,omitempty" db:"processed_at"`
	ProcessingAttempts  int                    `json:"processing_attempts" db:"processing_attempts"`
	FailureReason       string                 `json:"failure_reason,omitempty" db:"failure_reason"`
	LastErrorCode       string                 `json:"last_error_code,omitempty" db:"last_error_code"`
	Payload             map[string]interface{} `json:"payload"`
	RawBodyHash         string                 `json:"raw_body_hash,omitempty" db:"raw_body_hash"`
}

// Key returns the dedup key of the event.
func (e Event) Key() DedupKey {
	return DedupKey{ProviderEventID: e.ProviderEventID, LiveMode: e.LiveMode}
}

// ClaimInput is what a caller supplies when claiming an event.
type ClaimInput struct {
	Provider        string
	ProviderEventID string
	LiveMode        bool
	Type            string
	Payload         map[string]interface{}
	RawBodyHash     string
	ReceivedAt      time.Time
}

// Key returns the dedup key of the claim.
func (c ClaimInput) Key() DedupKey {
	return DedupKey{ProviderEventID: c.ProviderEventID, LiveMode: c.LiveMode}
}

// ClaimResult reports whether the caller created the event row.
type ClaimResult struct {
	Claimed bool
	Event   Event
}

// EventFilter narrows event listings.
type EventFilter struct {
	Status Status
	Limit  int
}

// MaxFailureReasonLen bounds the stored failure reason.
const MaxFailureReasonLen = 512

// TruncateReason clips reason to MaxFailureReasonLen bytes on a rune boundary.
func TruncateReason(reason string) string {
	if len(reason) <= MaxFailureReasonLen {
		return reason
	}
	cut := MaxFailureReasonLen
	for cut > 0 && !isRuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
