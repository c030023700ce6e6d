package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/lakbaymarket/orders/internal/orders"
	"github.com/lakbaymarket/orders/internal/payments"
	"github.com/lakbaymarket/orders/internal/redisx"
)

type OrdersHandler struct {
	Repo         *orders.Repo
	Audit        *orders.AuditRepo
	Reservations *orders.ReservationRepo
	Catalog      orders.Catalog
	Settings     orders.BusinessSettings
	Gateway      *payments.Gateway
	Intents      *payments.IntentRepo
	Refunds      *payments.Coordinator
	Redis        *redis.Client

	CancelGrace    time.Duration
	IntentValidity time.Duration
	TaxRateBPS     int
}

type CreateOrderReq struct {
	BusinessID     string             `json:"business_id"`
	UserID         string             `json:"user_id"`
	Items          []orders.ItemInput `json:"items"`
	DiscountID     *string            `json:"discount_id,omitempty"`
	PickupAt       time.Time          `json:"pickup_at"`
	PaymentMethod  string             `json:"payment_method"`
	PaymentSubtype string             `json:"payment_subtype,omitempty"`
	SkipCheckout   bool               `json:"skip_checkout,omitempty"`
}

type CreateOrderResp struct {
	OrderID       string `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	ArrivalCode   string `json:"arrival_code"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	TotalCents    int    `json:"total_cents"`
	CheckoutURL   string `json:"checkout_url,omitempty"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Get("/orders/user/{userID}", h.listUserOrders)
	r.Get("/orders/{id}/audit", h.orderAudit)
	r.Get("/orders/{id}/reservations", h.orderReservations)
	r.Post("/orders/{id}/payment-intent", h.retryPaymentIntent)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/advance", h.advanceOrder)
	r.Post("/orders/{id}/pickup", h.pickupOrder)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.BusinessID == "" || req.UserID == "" || len(req.Items) == 0 || req.PaymentMethod == "" {
		writeError(w, http.StatusBadRequest, "missing fields")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	// fast-fail availability check before taking product locks
	for _, it := range req.Items {
		p, err := h.Catalog.GetProduct(ctx, it.ProductID)
		if errors.Is(err, orders.ErrNotFound) {
			writeError(w, http.StatusUnprocessableEntity, "product not found: "+it.ProductID)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !p.IsAvailable {
			writeError(w, http.StatusUnprocessableEntity, "product unavailable: "+it.ProductID)
			return
		}
	}

	method := req.PaymentMethod
	if req.PaymentSubtype != "" {
		method = req.PaymentMethod + ":" + req.PaymentSubtype
	}
	o, err := h.Repo.Checkout(ctx, orders.CheckoutInput{
		BusinessID:    req.BusinessID,
		UserID:        req.UserID,
		Items:         req.Items,
		DiscountID:    req.DiscountID,
		PickupAt:      req.PickupAt,
		PaymentMethod: method,
		TaxRateBPS:    h.TaxRateBPS,
	})
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrInsufficientStock),
			errors.Is(err, orders.ErrProductUnavailable),
			errors.Is(err, orders.ErrDiscountInvalid),
			errors.Is(err, orders.ErrNotFound):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	resp := CreateOrderResp{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		ArrivalCode:   o.ArrivalCode,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		TotalCents:    o.TotalCents,
	}

	if req.PaymentMethod != "cash" {
		res, err := h.Gateway.CreateIntent(ctx, o, h.IntentValidity, req.SkipCheckout)
		if err != nil {
			// order stays PENDING with no active intent; caller may retry
			log.Printf("create intent: order=%s: %v", o.ID, err)
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":     "payment gateway unavailable, retry payment setup",
				"order_id":  o.ID,
				"retryable": true,
			})
			return
		}
		if err := h.Intents.SaveNew(ctx, &orders.PaymentIntent{
			GatewayRef:  res.Ref,
			OrderID:     o.ID,
			AmountCents: o.TotalCents,
			Currency:    payments.Currency,
			Status:      res.Status,
			CheckoutURL: res.CheckoutURL,
			ExpiresAt:   res.ExpiresAt,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.CheckoutURL = res.CheckoutURL
	}

	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusCreated, resp)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Repo.Get(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orderView(o))
}

// getOrderStatus serves the hot poll path from Redis, falling back to the
// DB and refilling the cache.
func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
		writeJSON(w, http.StatusOK, json.RawMessage(s))
		return
	}

	o, err := h.Repo.Get(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, statusView(o))
}

func (h *OrdersHandler) listUserOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	list, err := h.Repo.ListByUser(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(list))
	for i := range list {
		out = append(out, orderView(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// retryPaymentIntent re-runs payment setup for a PENDING order whose
// intent creation failed or expired. An intent still active and unexpired
// is returned as-is; otherwise a fresh one supersedes it.
func (h *OrdersHandler) retryPaymentIntent(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	actor := actorFrom(r)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	o, err := h.Repo.Get(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if actor.Role == orders.RoleTourist && actor.ID != o.UserID {
		writeError(w, http.StatusForbidden, "not your order")
		return
	}
	if o.Status != orders.StatusPending || o.PaymentStatus != orders.PaymentUnpaid {
		writeError(w, http.StatusConflict, "order is not awaiting payment")
		return
	}

	if in, err := h.Intents.ActiveByOrder(ctx, orderID); err == nil && in.ExpiresAt.After(time.Now().UTC()) {
		writeJSON(w, http.StatusOK, map[string]any{
			"intent_ref":   in.GatewayRef,
			"checkout_url": in.CheckoutURL,
			"expires_at":   in.ExpiresAt,
		})
		return
	}

	res, err := h.Gateway.CreateIntent(ctx, o, h.IntentValidity, false)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":     "payment gateway unavailable, retry payment setup",
			"order_id":  o.ID,
			"retryable": true,
		})
		return
	}
	if err := h.Intents.SaveNew(ctx, &orders.PaymentIntent{
		GatewayRef:  res.Ref,
		OrderID:     o.ID,
		AmountCents: o.TotalCents,
		Currency:    payments.Currency,
		Status:      res.Status,
		CheckoutURL: res.CheckoutURL,
		ExpiresAt:   res.ExpiresAt,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intent_ref":   res.Ref,
		"checkout_url": res.CheckoutURL,
		"expires_at":   res.ExpiresAt,
	})
}

// orderReservations shows the stock ledger slice for one order, with the
// released/committed totals used when reconciling stock drift.
func (h *OrdersHandler) orderReservations(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor.Role != orders.RoleAdmin && actor.Role != orders.RoleBusiness {
		writeError(w, http.StatusForbidden, "business or admin only")
		return
	}
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	list, err := h.Reservations.ListByOrder(ctx, orderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	released, committed, err := h.Reservations.ReleasedAndCommitted(ctx, orderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rows := make([]map[string]any, 0, len(list))
	for _, res := range list {
		rows = append(rows, map[string]any{
			"product_id": res.ProductID,
			"qty":        res.Qty,
			"status":     res.Status,
			"created_at": res.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reservations":    rows,
		"units_released":  released,
		"units_committed": committed,
	})
}

// orderAudit exposes the append-only trail for support tooling.
func (h *OrdersHandler) orderAudit(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor.Role != orders.RoleAdmin && actor.Role != orders.RoleBusiness {
		writeError(w, http.StatusForbidden, "business or admin only")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	entries, err := h.Audit.ListByOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		v := map[string]any{
			"event_type": e.EventType,
			"old_value":  e.OldValue,
			"new_value":  e.NewValue,
			"actor_role": e.ActorRole,
			"created_at": e.CreatedAt,
		}
		if e.ActorID != nil {
			v["actor_id"] = *e.ActorID
		}
		if len(e.Metadata) > 0 {
			v["metadata"] = json.RawMessage(e.Metadata)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

type cancelReq struct {
	Reason string `json:"reason,omitempty"`
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	actor := actorFrom(r)
	var req cancelReq
	_ = json.NewDecoder(r.Body).Decode(&req)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	o, err := h.Repo.Get(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if actor.Role == orders.RoleTourist && actor.ID != o.UserID {
		writeError(w, http.StatusForbidden, "not your order")
		return
	}

	pol, err := h.Settings.GetCancellationPolicy(ctx, o.BusinessID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dec := orders.EvaluateCancellation(o, pol, actor, h.CancelGrace, time.Now().UTC())
	if !dec.Allowed {
		if o.Status.IsTerminal() {
			writeError(w, http.StatusConflict, "order already in terminal state")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, dec.Reason)
		return
	}

	cancelled, refundNeeded, err := h.Repo.Cancel(ctx, orderID, dec, actor, req.Reason)
	if errors.Is(err, orders.ErrStaleTransition) {
		// interactive callers get the conflict; automated ones treat it
		// as a no-op at their own level
		writeError(w, http.StatusConflict, "order already in terminal state")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{"order": orderView(cancelled)}
	if amount, due := refundDue(cancelled.TotalCents, dec.PenaltyCents); refundNeeded && due {
		ref, err := h.Refunds.Request(ctx, orderID, amount, "order cancelled", actor)
		if err != nil {
			// cancellation stands; the refund can be retried by support
			log.Printf("cancel: refund request failed order=%s: %v", orderID, err)
			resp["refund_error"] = err.Error()
		} else {
			resp["refund"] = map[string]any{
				"id": ref.ID, "amount_cents": ref.AmountCents, "status": string(ref.Status),
			}
		}
	}
	h.cacheStatus(ctx, cancelled)
	writeJSON(w, http.StatusOK, resp)
}

// refundDue is what the tourist gets back after the penalty. A penalty
// that eats the whole payment leaves nothing to refund, and the gateway
// rejects zero-amount refunds, so the caller must not file one.
func refundDue(totalCents, penaltyCents int) (int, bool) {
	due := totalCents - penaltyCents
	return due, due > 0
}

type advanceReq struct {
	Status string `json:"status"`
}

func (h *OrdersHandler) advanceOrder(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor.Role != orders.RoleBusiness && actor.Role != orders.RoleAdmin {
		writeError(w, http.StatusForbidden, "business or admin only")
		return
	}
	var req advanceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "missing status")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Repo.Advance(ctx, chi.URLParam(r, "id"), orders.Status(req.Status), actor)
	switch {
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, orders.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, orders.ErrStaleTransition):
		writeError(w, http.StatusConflict, "order changed concurrently")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.cacheStatus(ctx, o)
		writeJSON(w, http.StatusOK, orderView(o))
	}
}

type pickupReq struct {
	ArrivalCode string `json:"arrival_code"`
}

func (h *OrdersHandler) pickupOrder(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor.Role != orders.RoleBusiness && actor.Role != orders.RoleAdmin {
		writeError(w, http.StatusForbidden, "business or admin only")
		return
	}
	orderID := chi.URLParam(r, "id")
	var req pickupReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ArrivalCode == "" {
		writeError(w, http.StatusBadRequest, "missing arrival_code")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Repo.Pickup(ctx, orderID, req.ArrivalCode, actor)
	switch {
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, orders.ErrArrivalCodeMismatch):
		// distinct from not-found so the edge can rate-limit attempts
		key := fmt.Sprintf(redisx.KeyPickupAttempts, orderID)
		n, _ := h.Redis.Incr(ctx, key).Result()
		_ = h.Redis.Expire(ctx, key, redisx.TTLPickupAttempts).Err()
		log.Printf("pickup: bad arrival code order=%s attempts=%d origin=%s", orderID, n, actor.Origin)
		writeError(w, http.StatusUnprocessableEntity, "arrival code mismatch")
	case errors.Is(err, orders.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.cacheStatus(ctx, o)
		writeJSON(w, http.StatusOK, orderView(o))
	}
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, o *orders.Order) {
	if h.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, o.ID)
	b, _ := json.Marshal(statusView(o))
	_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
}

func statusView(o *orders.Order) map[string]any {
	return map[string]any{
		"order_id":       o.ID,
		"status":         string(o.Status),
		"payment_status": string(o.PaymentStatus),
	}
}

func orderView(o *orders.Order) map[string]any {
	items := make([]map[string]any, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, map[string]any{
			"product_id":       it.ProductID,
			"qty":              it.Qty,
			"unit_price_cents": it.UnitPriceCents,
			"line_total_cents": it.LineTotalCents,
		})
	}
	v := map[string]any{
		"order_id":       o.ID,
		"order_number":   o.OrderNumber,
		"business_id":    o.BusinessID,
		"user_id":        o.UserID,
		"status":         string(o.Status),
		"payment_status": string(o.PaymentStatus),
		"payment_method": o.PaymentMethod,
		"subtotal_cents": o.SubtotalCents,
		"discount_cents": o.DiscountCents,
		"tax_cents":      o.TaxCents,
		"total_cents":    o.TotalCents,
		"pickup_at":      o.PickupAt,
		"created_at":     o.CreatedAt,
		"items":          items,
	}
	if o.CancelReason != nil {
		v["cancel_reason"] = *o.CancelReason
	}
	return v
}
