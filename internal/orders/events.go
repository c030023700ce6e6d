package orders

import (
	"encoding/json"
	"time"
)

// Notification event types published on the outbox stream.
const (
	EventOrderCreated       = "OrderCreated"
	EventOrderAccepted      = "OrderAccepted"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventOrderCancelled     = "OrderCancelled"
	EventOrderPickedUp      = "OrderPickedUp"
	EventPaymentFailed      = "PaymentFailed"
	EventRefundResolved     = "RefundResolved"
)

type Envelope struct {
	EventID       string          `json:"event_id"` // uuid
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads per event ----

type OrderCreatedPayload struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	BusinessID  string    `json:"business_id"`
	UserID      string    `json:"user_id"`
	TotalCents  int       `json:"total_cents"`
	PickupAt    time.Time `json:"pickup_at"`
}

type StatusChangedPayload struct {
	OrderID   string `json:"order_id"`
	UserID    string `json:"user_id"`
	OldStatus Status `json:"old_status"`
	NewStatus Status `json:"new_status"`
}

type OrderCancelledPayload struct {
	OrderID      string `json:"order_id"`
	UserID       string `json:"user_id"`
	CancelledBy  string `json:"cancelled_by"`
	Reason       string `json:"reason,omitempty"`
	RefundQueued bool   `json:"refund_queued"`
}

type PaymentFailedPayload struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Reason  string `json:"reason,omitempty"`
}

type RefundResolvedPayload struct {
	OrderID     string `json:"order_id"`
	RefundID    string `json:"refund_id"`
	AmountCents int    `json:"amount_cents"`
	Status      string `json:"status"` // succeeded | failed
}
