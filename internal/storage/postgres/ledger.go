package postgres

import (
	"context"
	"fmt"

	"github.com/lumen-commerce/commerce_layer/internal/domain/billing"
)

const upsertTransaction = `
	INSERT INTO billing_transactions (provider_object_id, object_type, event_id, customer_id,
		amount_minor, amount_refunded, currency, status, live_mode, occurred_at, updated_at)
	VALUES (:provider_object_id, :object_type, :event_id, :customer_id,
		:amount_minor, :amount_refunded, :currency, :status, :live_mode, :occurred_at, :updated_at)
	ON CONFLICT (provider_object_id) DO UPDATE SET
		event_id = EXCLUDED.event_id,
		customer_id = EXCLUDED.customer_id,
		amount_minor = EXCLUDED.amount_minor,
		amount_refunded = EXCLUDED.amount_refunded,
		currency = EXCLUDED.currency,
		status = EXCLUDED.status,
		updated_at = EXCLUDED.updated_at`

const upsertLineItem = `
	INSERT INTO billing_line_items (provider_line_item_id, provider_object_id, description, price_id,
		quantity, amount_minor, currency, updated_at)
	VALUES (:provider_line_item_id, :provider_object_id, :description, :price_id,
		:quantity, :amount_minor, :currency, :updated_at)
	ON CONFLICT (provider_line_item_id) DO UPDATE SET
		description = EXCLUDED.description,
		price_id = EXCLUDED.price_id,
		quantity = EXCLUDED.quantity,
		amount_minor = EXCLUDED.amount_minor,
		currency = EXCLUDED.currency,
		updated_at = EXCLUDED.updated_at`

const upsertRefund = `
	INSERT INTO billing_refunds (provider_refund_id, provider_object_id, amount_minor, currency,
		status, reason, updated_at)
	VALUES (:provider_refund_id, :provider_object_id, :amount_minor, :currency,
		:status, :reason, :updated_at)
	ON CONFLICT (provider_refund_id) DO UPDATE SET
		amount_minor = EXCLUDED.amount_minor,
		status = EXCLUDED.status,
		reason = EXCLUDED.reason,
		updated_at = EXCLUDED.updated_at`

// ApplyLedgerBatch writes every row of batch in one transaction.
func (s *Store) ApplyLedgerBatch(ctx context.Context, batch billing.LedgerBatch) (err error) {
	if batch.Empty() {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, t := range batch.Transactions {
		if _, err = tx.NamedExecContext(ctx, upsertTransaction, t); err != nil {
			return fmt.Errorf("upsert transaction %s: %w", t.ProviderObjectID, err)
		}
	}
	for _, li := range batch.LineItems {
		if _, err = tx.NamedExecContext(ctx, upsertLineItem, li); err != nil {
			return fmt.Errorf("upsert line item %s: %w", li.ProviderLineItemID, err)
		}
	}
	for _, rf := range batch.Refunds {
		if _, err = tx.NamedExecContext(ctx, upsertRefund, rf); err != nil {
			return fmt.Errorf("upsert refund %s: %w", rf.ProviderRefundID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}
