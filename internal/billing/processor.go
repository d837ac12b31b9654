// Package billing drives verified provider events through the claim store:
// claim, allowlist gate, ledger side effects and a terminal status.
package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"

	domain "github.com/lumen-commerce/commerce_layer/internal/domain/billing"
	"github.com/lumen-commerce/commerce_layer/internal/errors"
	"github.com/lumen-commerce/commerce_layer/internal/logging"
	"github.com/lumen-commerce/commerce_layer/internal/metrics"
	"github.com/lumen-commerce/commerce_layer/internal/storage"
)

// Outcomes reported to the webhook sender and recorded as metrics.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// DefaultStoreTimeout bounds each claim-store and ledger call.
const DefaultStoreTimeout = 5 * time.Second

// Result describes how one delivery was handled.
type Result struct {
	Outcome         string
	EventID         string
	ProviderEventID string
	Type            string
	Status          domain.Status
}

// Processor is safe for concurrent use; all coordination between deliveries
// of the same event happens in the claim store.
type Processor struct {
	claims   storage.ClaimStore
	ledger   storage.LedgerStore
	handlers map[string]LedgerHandler
	timeout  time.Duration
	now      func() time.Time
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// Config holds the collaborators of a Processor. Handlers defaults to
// DefaultHandlers(); its keys are the event type allowlist.
type Config struct {
	Claims   storage.ClaimStore
	Ledger   storage.LedgerStore
	Handlers map[string]LedgerHandler
	Timeout  time.Duration
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// NewProcessor creates a processor.
func NewProcessor(cfg Config) *Processor {
	if cfg.Handlers == nil {
		cfg.Handlers = DefaultHandlers()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultStoreTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &Processor{
		claims:   cfg.Claims,
		ledger:   cfg.Ledger,
		handlers: cfg.Handlers,
		timeout:  cfg.Timeout,
		now:      time.Now,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// WithClock sets the time source for status timestamps.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Allowed reports whether eventType is processed rather than ignored.
func (p *Processor) Allowed(eventType string) bool {
	_, ok := p.handlers[eventType]
	return ok
}

// Process handles one verified delivery. body must be the exact bytes whose
// signature was checked. Duplicate deliveries of a claimed event return
// OutcomeDuplicate without side effects. A failure after the claim marks the
// event FAILED and returns PROCESSING_FAILED so the sender redelivers.
func (p *Processor) Process(ctx context.Context, provider string, body []byte) (Result, error) {
	start := p.now()

	var evt stripe.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		p.metrics.RecordWebhook(provider, OutcomeRejected)
		return Result{}, errors.Validation("Malformed event payload")
	}
	if evt.ID == "" || evt.Type == "" || evt.Data == nil {
		p.metrics.RecordWebhook(provider, OutcomeRejected)
		return Result{}, errors.Validation("Event is missing id, type or data")
	}
	eventType := string(evt.Type)
	object := []byte(evt.Data.Raw)

	sum := sha256.Sum256(body)
	in := domain.ClaimInput{
		Provider:        provider,
		ProviderEventID: evt.ID,
		LiveMode:        evt.Livemode,
		Type:            eventType,
		Payload:         Minimize(eventType, object),
		RawBodyHash:     hex.EncodeToString(sum[:]),
		ReceivedAt:      start,
	}

	claimCtx, cancel := context.WithTimeout(ctx, p.timeout)
	claim, err := p.claims.ClaimEventReceived(claimCtx, in)
	cancel()
	if err != nil {
		p.metrics.RecordWebhook(provider, OutcomeFailed)
		return Result{}, errors.Internal("Event claim failed", err)
	}

	res := Result{
		EventID:         claim.Event.ID,
		ProviderEventID: evt.ID,
		Type:            eventType,
		Status:          claim.Event.Status,
	}
	log := p.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"provider":          provider,
		"event_id":          claim.Event.ID,
		"provider_event_id": evt.ID,
		"event_type":        eventType,
		"live_mode":         evt.Livemode,
	})

	if !claim.Claimed {
		res.Outcome = OutcomeDuplicate
		p.metrics.RecordWebhook(provider, OutcomeDuplicate)
		log.WithField("process_status", claim.Event.Status).Info("Duplicate webhook delivery acknowledged")
		return res, nil
	}

	handler, ok := p.handlers[eventType]
	if !ok {
		updated, err := p.markIgnored(ctx, claim.Event.ID, "event type not handled: "+eventType)
		if err != nil {
			p.metrics.RecordWebhook(provider, OutcomeFailed)
			log.WithError(err).Error("Mark event ignored failed")
			return res, errors.Internal("Mark event ignored failed", err)
		}
		res.Outcome, res.Status = OutcomeIgnored, updated.Status
		p.metrics.RecordWebhook(provider, OutcomeIgnored)
		log.Info("Webhook event ignored")
		return res, nil
	}

	if _, err := p.withTimeout(ctx, func(c context.Context) (domain.Event, error) {
		return p.claims.MarkProcessing(c, claim.Event.ID, p.now())
	}); err != nil {
		res.Outcome, res.Status = OutcomeFailed, domain.StatusFailed
		return res, p.fail(ctx, provider, claim.Event.ID, fmt.Errorf("mark processing: %w", err))
	}

	batch, err := handler(HandlerInput{
		EventID:    claim.Event.ID,
		LiveMode:   evt.Livemode,
		Object:     object,
		OccurredAt: time.Unix(evt.Created, 0).UTC(),
		Now:        p.now().UTC(),
	})
	if err == nil {
		err = p.applyLedger(ctx, batch)
	}
	if err != nil {
		res.Outcome, res.Status = OutcomeFailed, domain.StatusFailed
		p.metrics.ObserveProcessing(provider, string(domain.StatusFailed), p.now().Sub(start))
		return res, p.fail(ctx, provider, claim.Event.ID, err)
	}

	updated, err := p.withTimeout(ctx, func(c context.Context) (domain.Event, error) {
		return p.claims.MarkProcessed(c, claim.Event.ID, p.now())
	})
	if err != nil {
		res.Outcome, res.Status = OutcomeFailed, domain.StatusFailed
		return res, p.fail(ctx, provider, claim.Event.ID, err)
	}

	res.Outcome, res.Status = OutcomeProcessed, updated.Status
	p.metrics.RecordWebhook(provider, OutcomeProcessed)
	p.metrics.ObserveProcessing(provider, string(domain.StatusProcessed), p.now().Sub(start))
	log.WithField("ledger_rows", batch.Size()).Info("Webhook event processed")
	return res, nil
}

func (p *Processor) applyLedger(ctx context.Context, batch domain.LedgerBatch) error {
	if batch.Empty() {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.ledger.ApplyLedgerBatch(c, batch); err != nil {
		return fmt.Errorf("apply ledger batch: %w", err)
	}
	return nil
}

// markIgnored retries once on a context detached from the request, so a
// cancelled request does not leave the event in RECEIVED.
func (p *Processor) markIgnored(ctx context.Context, eventID, reason string) (domain.Event, error) {
	updated, err := p.withTimeout(ctx, func(c context.Context) (domain.Event, error) {
		return p.claims.MarkIgnored(c, eventID, reason, p.now())
	})
	if err == nil || stderrors.Is(err, storage.ErrInvalidTransition) {
		return updated, err
	}
	p.logger.WithContext(ctx).WithError(err).WithField("event_id", eventID).Warn("Mark event ignored failed, retrying")
	return p.withTimeout(context.WithoutCancel(ctx), func(c context.Context) (domain.Event, error) {
		return p.claims.MarkIgnored(c, eventID, reason, p.now())
	})
}

// fail records the failure on a context detached from the request, so a
// cancelled or timed-out request still leaves the event FAILED.
func (p *Processor) fail(ctx context.Context, provider, eventID string, cause error) error {
	code := errors.CodeProcessingFailed
	if se := errors.GetServiceError(cause); se != nil && se.Code.Known() {
		code = se.Code
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	log := p.logger.WithContext(ctx).WithError(cause).WithFields(map[string]interface{}{
		"provider": provider,
		"event_id": eventID,
	})
	if _, err := p.claims.MarkFailed(fctx, eventID, domain.TruncateReason(cause.Error()), string(code), p.now()); err != nil {
		log.WithField("mark_failed_error", err.Error()).Error("Webhook event failed and could not be marked")
	} else {
		log.Error("Webhook event processing failed")
	}
	p.metrics.RecordWebhook(provider, OutcomeFailed)
	return errors.ProcessingFailed(cause)
}

func (p *Processor) withTimeout(ctx context.Context, fn func(context.Context) (domain.Event, error)) (domain.Event, error) {
	c, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return fn(c)
}
