package billing

import "time"

// Transaction is a ledger row keyed by the provider's own object id
// (a charge or an invoice).
type Transaction struct {
	ProviderObjectID string    `json:"provider_object_id" db:"provider_object_id"`
	ObjectType       string    `json:"object_type" db:"object_type"`
	EventID          string    `json:"event_id" db:"event_id"`
	CustomerID       string    `json:"customer_id,omitempty" db:"customer_id"`
	AmountMinor      int64     `json:"amount_minor" db:"amount_minor"`
	AmountRefunded   int64     `json:"amount_refunded" db:"amount_refunded"`
	Currency         string    `json:"currency" db:"currency"`
	Status           string    `json:"status" db:"status"`
	LiveMode         bool      `json:"live_mode" db:"live_mode"`
	OccurredAt       time.Time `json:"occurred_at" db:"occurred_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// LineItem is one invoice line keyed by the provider line-item id.
type LineItem struct {
	ProviderLineItemID string    `json:"provider_line_item_id" db:"provider_line_item_id"`
	ProviderObjectID   string    `json:"provider_object_id" db:"provider_object_id"`
	Description        string    `json:"description,omitempty" db:"description"`
	PriceID            string    `json:"price_id,omitempty" db:"price_id"`
	Quantity           int64     `json:"quantity" db:"quantity"`
	AmountMinor        int64     `json:"amount_minor" db:"amount_minor"`
	Currency           string    `json:"currency" db:"currency"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// Refund is one refund keyed by the provider refund id.
type Refund struct {
	ProviderRefundID string    `json:"provider_refund_id" db:"provider_refund_id"`
	ProviderObjectID string    `json:"provider_object_id" db:"provider_object_id"`
	AmountMinor      int64     `json:"amount_minor" db:"amount_minor"`
	Currency         string    `json:"currency" db:"currency"`
	Status           string    `json:"status" db:"status"`
	Reason           string    `json:"reason,omitempty" db:"reason"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerBatch is the set of ledger upserts produced by processing one event.
// It is applied atomically.
type LedgerBatch struct {
	Transactions []Transaction
	LineItems    []LineItem
	Refunds      []Refund
}

// Empty reports whether the batch carries no rows.
func (b LedgerBatch) Empty() bool {
	return len(b.Transactions) == 0 && len(b.LineItems) == 0 && len(b.Refunds) == 0
}

// Size returns the number of rows in the batch.
func (b LedgerBatch) Size() int {
	return len(b.Transactions) + len(b.LineItems) + len(b.Refunds)
}
