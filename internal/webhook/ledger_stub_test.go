package webhook

import (
	"context"
	stderrors "errors"

	domain "github.com/lumen-commerce/commerce_layer/internal/domain/billing"
)

type brokenLedger struct{}

func (brokenLedger) ApplyLedgerBatch(context.Context, domain.LedgerBatch) error {
	return stderrors.New("disk full")
}
