package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lakbaymarket/orders/internal/orders"
	"github.com/lakbaymarket/orders/internal/payments"
)

const maxWebhookBody = 1 << 20 // gateway payloads are small; cap abuse

type PaymentsHandler struct {
	Reconciler *payments.Reconciler
	Sweeper    *payments.Sweeper
}

func (h *PaymentsHandler) Register(r *chi.Mux) {
	r.Post("/payment/webhook", h.webhook)
	r.Post("/payment/admin/cleanup-abandoned", h.cleanupAbandoned)
	r.Get("/payment/admin/abandoned-stats", h.abandonedStats)
}

// webhook must answer fast and must answer 200 for duplicates and benign
// races, or the gateway retries forever.
func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	out, err := h.Reconciler.Handle(ctx, body, r.Header.Get("X-Gateway-Signature"))
	switch {
	case errors.Is(err, payments.ErrBadSignature):
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	case errors.Is(err, payments.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		// transient (DB) failure: 5xx so the gateway redelivers
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// OutcomeFailed is recorded for operator review; still 200 so the
	// gateway stops redelivering a payload we will never apply
	writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"event_id": out.EventID,
		"outcome":  string(out.Kind),
	})
}

func (h *PaymentsHandler) cleanupAbandoned(w http.ResponseWriter, r *http.Request) {
	if actorFrom(r).Role != orders.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	res := h.Sweeper.RunManualSweep(ctx)
	writeJSON(w, http.StatusOK, res)
}

func (h *PaymentsHandler) abandonedStats(w http.ResponseWriter, r *http.Request) {
	if actorFrom(r).Role != orders.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	st, err := h.Sweeper.Stats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"abandonable_orders":     st.AbandonableOrders,
		"expired_active_intents": st.ExpiredActiveIntents,
		"abandon_after_minutes":  st.AbandonAfter.Minutes(),
		"sweep_interval_minutes": st.SweepInterval.Minutes(),
	})
}
