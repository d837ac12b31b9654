package billing

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/lumen-commerce/commerce_layer/internal/domain/billing"
	"github.com/lumen-commerce/commerce_layer/internal/errors"
	"github.com/lumen-commerce/commerce_layer/internal/metrics"
	"github.com/lumen-commerce/commerce_layer/internal/storage"
)

func chargeEvent(id, eventType string, live bool) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"livemode":%t,"created":1700000000,`+
		`"data":{"object":{"id":"ch_1","object":"charge","amount":2000,"amount_refunded":0,"currency":"USD",`+
		`"status":"succeeded","customer":"cus_9","billing_details":{"email":"jane@example.com"},`+
		`"metadata":{"order":"42"},"refunds":{"data":[]}}}}`, id, eventType, live))
}

type failingLedger struct {
	err error
}

func (f failingLedger) ApplyLedgerBatch(context.Context, domain.LedgerBatch) error {
	return f.err
}

// cancellingLedger cancels the request and fails with its context error.
type cancellingLedger struct {
	cancel context.CancelFunc
}

func (c cancellingLedger) ApplyLedgerBatch(ctx context.Context, _ domain.LedgerBatch) error {
	c.cancel()
	<-ctx.Done()
	return ctx.Err()
}

// liveContextStore refuses writes on a finished context, like a real driver.
type liveContextStore struct {
	*storage.Memory
}

func (s liveContextStore) MarkFailed(ctx context.Context, id, reason, code string, at time.Time) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}
	return s.Memory.MarkFailed(ctx, id, reason, code, at)
}

func newProcessor(store *storage.Memory) *Processor {
	return NewProcessor(Config{Claims: store, Ledger: store, Metrics: metrics.New("test")})
}

func TestProcessDeduplicatesRedelivery(t *testing.T) {
	store := storage.NewMemory()
	p := newProcessor(store)
	body := chargeEvent("evt_1", "charge.succeeded", false)

	first, err := p.Process(context.Background(), "stripe", body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, first.Outcome)
	assert.Equal(t, domain.StatusProcessed, first.Status)
	require.NotEmpty(t, first.EventID)

	second, err := p.Process(context.Background(), "stripe", body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.EventID, second.EventID)

	assert.Equal(t, 1, store.EventCount())
	txs, _, _ := store.LedgerCounts()
	assert.Equal(t, 1, txs)

	evt, err := store.GetEvent(context.Background(), first.EventID)
	require.NoError(t, err)
	assert.Equal(t, 1, evt.ProcessingAttempts)
	assert.NotEmpty(t, evt.RawBodyHash)
	obj, ok := evt.Payload["object"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ch_1", obj["id"])
	assert.NotContains(t, obj, "billing_details")
	assert.NotContains(t, obj, "metadata")
}

func TestProcessConcurrentDeliveriesHaveOneClaimant(t *testing.T) {
	store := storage.NewMemory()
	p := newProcessor(store)
	body := chargeEvent("evt_race", "charge.succeeded", true)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[string]int{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Process(context.Background(), "stripe", body)
			if err != nil {
				t.Errorf("Process: %v", err)
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeProcessed])
	assert.Equal(t, 19, outcomes[OutcomeDuplicate])
	assert.Equal(t, 1, store.EventCount())
}

func TestProcessLiveModeIsPartOfKey(t *testing.T) {
	store := storage.NewMemory()
	p := newProcessor(store)

	_, err := p.Process(context.Background(), "stripe", chargeEvent("evt_2", "charge.succeeded", false))
	require.NoError(t, err)
	res, err := p.Process(context.Background(), "stripe", chargeEvent("evt_2", "charge.succeeded", true))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, 2, store.EventCount())
}

func TestProcessIgnoresTypesOutsideAllowlist(t *testing.T) {
	store := storage.NewMemory()
	p := newProcessor(store)
	body := chargeEvent("evt_3", "customer.created", false)

	res, err := p.Process(context.Background(), "stripe", body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, domain.StatusIgnored, res.Status)

	txs, _, _ := store.LedgerCounts()
	assert.Zero(t, txs)

	evt, err := store.GetEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Zero(t, evt.ProcessingAttempts)
	assert.Contains(t, evt.FailureReason, "customer.created")

	again, err := p.Process(context.Background(), "stripe", body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Equal(t, domain.StatusIgnored, again.Status)
}

func TestProcessFailureMarksFailedAndIsNotRetriedOnRedelivery(t *testing.T) {
	store := storage.NewMemory()
	p := NewProcessor(Config{Claims: store, Ledger: failingLedger{err: stderrors.New("ledger down")}})
	body := chargeEvent("evt_4", "charge.succeeded", false)

	res, err := p.Process(context.Background(), "stripe", body)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeProcessingFailed))
	assert.Equal(t, OutcomeFailed, res.Outcome)

	evt, err := store.GetEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, evt.Status)
	assert.Equal(t, string(errors.CodeProcessingFailed), evt.LastErrorCode)
	assert.Contains(t, evt.FailureReason, "ledger down")

	again, err := p.Process(context.Background(), "stripe", body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Equal(t, domain.StatusFailed, again.Status)
}

func TestProcessHandlerValidationFailureKeepsCode(t *testing.T) {
	store := storage.NewMemory()
	p := newProcessor(store)
	body := []byte(`{"id":"evt_5","type":"charge.succeeded","livemode":false,"data":{"object":{"object":"charge"}}}`)

	res, err := p.Process(context.Background(), "stripe", body)
	require.Error(t, err)

	evt, getErr := store.GetEvent(context.Background(), res.EventID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusFailed, evt.Status)
	assert.Equal(t, string(errors.CodeValidationFailed), evt.LastErrorCode)
}

func TestProcessMarksFailedAfterRequestCancellation(t *testing.T) {
	store := storage.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewProcessor(Config{Claims: liveContextStore{store}, Ledger: cancellingLedger{cancel: cancel}})

	res, err := p.Process(ctx, "stripe", chargeEvent("evt_6", "charge.succeeded", false))
	require.Error(t, err)

	evt, getErr := store.GetEvent(context.Background(), res.EventID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusFailed, evt.Status)
}

func TestProcessRejectsMalformedPayload(t *testing.T) {
	store := storage.NewMemory()
	p := newProcessor(store)

	for _, body := range []string{`not json`, `{"type":"charge.succeeded"}`, `{"id":"evt_7","type":"charge.succeeded"}`} {
		_, err := p.Process(context.Background(), "stripe", []byte(body))
		assert.True(t, errors.Is(err, errors.CodeValidationFailed), "body %s: %v", body, err)
	}
	assert.Zero(t, store.EventCount())
}

func TestProcessClaimFailureIsInternal(t *testing.T) {
	store := storage.NewMemory()
	store.ErrorOnNextCall = stderrors.New("connection reset")
	p := newProcessor(store)

	_, err := p.Process(context.Background(), "stripe", chargeEvent("evt_8", "charge.succeeded", false))
	assert.True(t, errors.Is(err, errors.CodeInternal))
	assert.Zero(t, store.EventCount())
}

// stalledStore times out the post-claim status writes it is told to.
type stalledStore struct {
	*storage.Memory
	processingErr error
	ignoredErrs   int
}

func (s *stalledStore) MarkProcessing(ctx context.Context, id string, at time.Time) (domain.Event, error) {
	if s.processingErr != nil {
		return domain.Event{}, s.processingErr
	}
	return s.Memory.MarkProcessing(ctx, id, at)
}

func (s *stalledStore) MarkIgnored(ctx context.Context, id, reason string, at time.Time) (domain.Event, error) {
	if s.ignoredErrs > 0 {
		s.ignoredErrs--
		return domain.Event{}, context.DeadlineExceeded
	}
	return s.Memory.MarkIgnored(ctx, id, reason, at)
}

func TestProcessMarkProcessingFailureMarksFailed(t *testing.T) {
	store := storage.NewMemory()
	stalled := &stalledStore{Memory: store, processingErr: context.DeadlineExceeded}
	p := NewProcessor(Config{Claims: stalled, Ledger: store})
	body := chargeEvent("evt_stall", "charge.succeeded", false)

	res, err := p.Process(context.Background(), "stripe", body)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeProcessingFailed))
	assert.Equal(t, OutcomeFailed, res.Outcome)

	evt, err := store.GetEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, evt.Status)
	assert.Equal(t, string(errors.CodeProcessingFailed), evt.LastErrorCode)
	assert.Contains(t, evt.FailureReason, "deadline exceeded")
	assert.Zero(t, evt.ProcessingAttempts)

	txs, _, _ := store.LedgerCounts()
	assert.Zero(t, txs)

	again, err := newProcessor(store).Process(context.Background(), "stripe", body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Equal(t, domain.StatusFailed, again.Status)
}

func TestProcessMarkIgnoredRetriesOnce(t *testing.T) {
	store := storage.NewMemory()
	stalled := &stalledStore{Memory: store, ignoredErrs: 1}
	p := NewProcessor(Config{Claims: stalled, Ledger: store})

	res, err := p.Process(context.Background(), "stripe", chargeEvent("evt_ign", "customer.created", false))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, domain.StatusIgnored, res.Status)
	assert.Zero(t, stalled.ignoredErrs)

	evt, err := store.GetEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIgnored, evt.Status)
}

func TestProcessMarkIgnoredFailureIsInternal(t *testing.T) {
	store := storage.NewMemory()
	stalled := &stalledStore{Memory: store, ignoredErrs: 2}
	p := NewProcessor(Config{Claims: stalled, Ledger: store})

	_, err := p.Process(context.Background(), "stripe", chargeEvent("evt_ign2", "customer.created", false))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeInternal))
	assert.Zero(t, stalled.ignoredErrs)
}
