package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/lumen-commerce/commerce_layer/internal/billing"
	domain "github.com/lumen-commerce/commerce_layer/internal/domain/billing"
	"github.com/lumen-commerce/commerce_layer/internal/errors"
	"github.com/lumen-commerce/commerce_layer/internal/gateway"
	"github.com/lumen-commerce/commerce_layer/internal/logging"
	"github.com/lumen-commerce/commerce_layer/internal/storage"
)

const (
	defaultEventListLimit = 50
	maxEventListLimit     = 200
)

// =============================================================================
// Admin Billing Inspection
// =============================================================================

type billingHandlers struct {
	claims   storage.ClaimStore
	provider *billing.ProviderClient // optional
	timeout  time.Duration
	logger   *logging.Logger
}

func (h *billingHandlers) register(rt *gateway.Router) {
	roles := gateway.WithRoles(roleAdmin, roleSuperAdmin)
	rt.Handle(http.MethodGet, "/billing/events", h.list, roles)
	rt.Handle(http.MethodGet, "/billing/events/{id}", h.get, roles)
}

func (h *billingHandlers) list(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	filter := domain.EventFilter{Limit: defaultEventListLimit}

	if raw := q.Get("status"); raw != "" {
		status, err := domain.ParseStatus(strings.ToUpper(raw))
		if err != nil {
			return errors.InvalidField("status", "unknown status")
		}
		filter.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxEventListLimit {
			return errors.InvalidField("limit", "must be between 1 and "+strconv.Itoa(maxEventListLimit))
		}
		filter.Limit = limit
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	events, err := h.claims.ListEvents(ctx, filter)
	if err != nil {
		return errors.Internal("List billing events failed", err)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return gateway.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (h *billingHandlers) get(w http.ResponseWriter, r *http.Request) error {
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	evt, err := h.claims.GetEvent(ctx, id)
	if stderrors.Is(err, storage.ErrNotFound) {
		return errors.NotFound("Billing event")
	}
	if err != nil {
		return errors.Internal("Get billing event failed", err)
	}

	payload := map[string]interface{}{"event": evt}
	if h.provider != nil {
		upstream, err := h.provider.GetEvent(r.Context(), evt.ProviderEventID)
		if err != nil {
			// The stored copy is still useful when the provider is unreachable.
			h.logger.WithContext(r.Context()).WithError(err).
				WithField("provider_event_id", evt.ProviderEventID).
				Warn("Provider event lookup failed")
			payload["upstream_error"] = "unavailable"
		} else {
			payload["upstream"] = upstream
		}
	}
	return gateway.WriteSuccess(w, http.StatusOK, payload)
}
