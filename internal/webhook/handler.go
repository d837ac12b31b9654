package webhook

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/lumen-commerce/commerce_layer/internal/billing"
	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
	"github.com/lumen-commerce/commerce_layer/internal/errors"
	"github.com/lumen-commerce/commerce_layer/internal/gateway"
	"github.com/lumen-commerce/commerce_layer/internal/httputil"
	"github.com/lumen-commerce/commerce_layer/internal/metrics"
)

// MaxBodyBytes caps webhook bodies.
const MaxBodyBytes int64 = 1 << 20

// Route is the webhook path template.
const Route = "/webhooks/{provider}/{domain}"

// Processor consumes verified deliveries.
type Processor interface {
	Process(ctx context.Context, provider string, body []byte) (billing.Result, error)
}

// Endpoint binds one (provider, domain) pair to its signing secret.
type Endpoint struct {
	Provider string
	Domain   string
	Verifier *Verifier
}

// Handler serves POST /webhooks/{provider}/{domain}.
type Handler struct {
	endpoints map[string]Endpoint
	processor Processor
	metrics   *metrics.Metrics
}

// NewHandler creates a handler for endpoints.
func NewHandler(endpoints []Endpoint, processor Processor, m *metrics.Metrics) *Handler {
	h := &Handler{
		endpoints: make(map[string]Endpoint, len(endpoints)),
		processor: processor,
		metrics:   m,
	}
	for _, ep := range endpoints {
		h.endpoints[endpointKey(ep.Provider, ep.Domain)] = ep
	}
	return h
}

// Register mounts the webhook route. Webhooks are server-to-server: no origin,
// CSRF or session requirements, one shared budget per provider.
func (h *Handler) Register(rt *gateway.Router) {
	rt.Handle(http.MethodPost, Route, h.serve,
		gateway.Public(),
		gateway.WithoutOrigin(),
		gateway.WithoutCSRF(),
		gateway.WithMaxBody(MaxBodyBytes),
		gateway.WithRateLimit(time.Minute, 1200, providerKey),
	)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	provider := strings.ToLower(vars["provider"])
	ep, ok := h.endpoints[endpointKey(provider, vars["domain"])]
	if !ok {
		return errors.NotFound("Webhook endpoint")
	}

	body, err := httputil.ReadAllStrict(r.Body, MaxBodyBytes)
	if err != nil {
		return err
	}

	if err := ep.Verifier.Verify(body, r.Header.Get(SignatureHeader)); err != nil {
		h.metrics.RecordWebhook(provider, billing.OutcomeRejected)
		return err
	}

	res, err := h.processor.Process(r.Context(), provider, body)
	if err != nil {
		return err
	}

	return gateway.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"status":   res.Outcome,
		"event_id": res.EventID,
	})
}

func endpointKey(provider, domain string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + "/" + strings.ToLower(strings.TrimSpace(domain))
}

func providerKey(r *http.Request, _ identity.Actor) string {
	return "webhook:" + strings.ToLower(mux.Vars(r)["provider"])
}
