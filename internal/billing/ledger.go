package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	domain "github.com/lumen-commerce/commerce_layer/internal/domain/billing"
	"github.com/lumen-commerce/commerce_layer/internal/errors"
)

// HandlerInput is the verified event object a LedgerHandler maps to rows.
type HandlerInput struct {
	EventID    string
	LiveMode   bool
	Object     []byte
	OccurredAt time.Time
	Now        time.Time
}

// LedgerHandler turns one provider object into ledger upserts. Handlers are
// pure; rows are keyed by provider ids so reapplying a batch is harmless.
type LedgerHandler func(in HandlerInput) (domain.LedgerBatch, error)

// DefaultHandlers returns the handlers for the event type allowlist.
func DefaultHandlers() map[string]LedgerHandler {
	return map[string]LedgerHandler{
		"charge.succeeded":       chargeBatch,
		"charge.failed":          chargeBatch,
		"charge.captured":        chargeBatch,
		"charge.refunded":        chargeBatch,
		"invoice.paid":           invoiceBatch,
		"invoice.payment_failed": invoiceBatch,
	}
}

// AllowedTypes lists the event types DefaultHandlers processes.
func AllowedTypes() []string {
	out := make([]string, 0, len(DefaultHandlers()))
	for t := range DefaultHandlers() {
		out = append(out, t)
	}
	return out
}

func chargeBatch(in HandlerInput) (domain.LedgerBatch, error) {
	obj, err := parseObject(in.Object, "charge")
	if err != nil {
		return domain.LedgerBatch{}, err
	}
	id := obj.Get("id").String()

	status := obj.Get("status").String()
	if obj.Get("refunded").Bool() {
		status = "refunded"
	}
	currency := strings.ToLower(obj.Get("currency").String())

	batch := domain.LedgerBatch{
		Transactions: []domain.Transaction{{
			ProviderObjectID: id,
			ObjectType:       "charge",
			EventID:          in.EventID,
			CustomerID:       referenceID(obj.Get("customer")),
			AmountMinor:      obj.Get("amount").Int(),
			AmountRefunded:   obj.Get("amount_refunded").Int(),
			Currency:         currency,
			Status:           status,
			LiveMode:         in.LiveMode,
			OccurredAt:       occurredAt(obj, in),
			UpdatedAt:        in.Now,
		}},
	}

	for _, r := range obj.Get("refunds.data").Array() {
		refundID := r.Get("id").String()
		if refundID == "" {
			return domain.LedgerBatch{}, errors.Validation("refund without id")
		}
		refundCurrency := strings.ToLower(r.Get("currency").String())
		if refundCurrency == "" {
			refundCurrency = currency
		}
		batch.Refunds = append(batch.Refunds, domain.Refund{
			ProviderRefundID: refundID,
			ProviderObjectID: id,
			AmountMinor:      r.Get("amount").Int(),
			Currency:         refundCurrency,
			Status:           r.Get("status").String(),
			Reason:           r.Get("reason").String(),
			UpdatedAt:        in.Now,
		})
	}
	return batch, nil
}

func invoiceBatch(in HandlerInput) (domain.LedgerBatch, error) {
	obj, err := parseObject(in.Object, "invoice")
	if err != nil {
		return domain.LedgerBatch{}, err
	}
	id := obj.Get("id").String()
	currency := strings.ToLower(obj.Get("currency").String())

	amount := obj.Get("amount_paid").Int()
	if amount == 0 {
		amount = obj.Get("amount_due").Int()
	}

	batch := domain.LedgerBatch{
		Transactions: []domain.Transaction{{
			ProviderObjectID: id,
			ObjectType:       "invoice",
			EventID:          in.EventID,
			CustomerID:       referenceID(obj.Get("customer")),
			AmountMinor:      amount,
			Currency:         currency,
			Status:           obj.Get("status").String(),
			LiveMode:         in.LiveMode,
			OccurredAt:       occurredAt(obj, in),
			UpdatedAt:        in.Now,
		}},
	}

	for _, line := range obj.Get("lines.data").Array() {
		lineID := line.Get("id").String()
		if lineID == "" {
			return domain.LedgerBatch{}, errors.Validation("invoice line without id")
		}
		priceID := line.Get("price.id").String()
		if priceID == "" {
			priceID = line.Get("pricing.price_details.price").String()
		}
		lineCurrency := strings.ToLower(line.Get("currency").String())
		if lineCurrency == "" {
			lineCurrency = currency
		}
		batch.LineItems = append(batch.LineItems, domain.LineItem{
			ProviderLineItemID: lineID,
			ProviderObjectID:   id,
			Description:        line.Get("description").String(),
			PriceID:            priceID,
			Quantity:           line.Get("quantity").Int(),
			AmountMinor:        line.Get("amount").Int(),
			Currency:           lineCurrency,
			UpdatedAt:          in.Now,
		})
	}
	return batch, nil
}

func parseObject(raw []byte, want string) (gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, errors.Validation("event object is not valid JSON")
	}
	obj := gjson.ParseBytes(raw)
	if kind := obj.Get("object").String(); kind != want {
		return gjson.Result{}, errors.Validation(fmt.Sprintf("expected %s object, got %q", want, kind))
	}
	if obj.Get("id").String() == "" {
		return gjson.Result{}, errors.Validation(want + " object has no id")
	}
	return obj, nil
}

// referenceID reads an id field that may be expanded into an object.
func referenceID(v gjson.Result) string {
	if v.IsObject() {
		return v.Get("id").String()
	}
	return v.String()
}

func occurredAt(obj gjson.Result, in HandlerInput) time.Time {
	if created := obj.Get("created").Int(); created > 0 {
		return time.Unix(created, 0).UTC()
	}
	if !in.OccurredAt.IsZero() && in.OccurredAt.Unix() > 0 {
		return in.OccurredAt
	}
	return in.Now
}
