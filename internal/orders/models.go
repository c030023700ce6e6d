package orders

import (
	"encoding/json"
	"time"
)

type Order struct {
	ID            string
	OrderNumber   string
	BusinessID    string
	UserID        string
	Status        Status
	PaymentStatus PaymentStatus
	PaymentMethod string
	SubtotalCents int
	DiscountCents int
	TaxCents      int
	TotalCents    int
	DiscountID    *string
	PickupAt      time.Time
	ArrivalCode   string
	CancelReason  *string
	CancelledBy   *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Items         []OrderItem
}

type OrderItem struct {
	ID             string
	OrderID        string
	ProductID      string
	Qty            int
	UnitPriceCents int // snapshot at checkout; catalog changes never touch it
	LineTotalCents int
}

type Reservation struct {
	OrderID   string
	ProductID string
	Qty       int
	Status    string // RESERVED | RELEASED | COMMITTED
	CreatedAt time.Time
}

// PaymentIntent mirrors the gateway-side checkout session. At most one
// active intent per order; superseded rows stay for audit with active=false.
type PaymentIntent struct {
	GatewayRef  string
	OrderID     string
	AmountCents int
	Currency    string
	Status      string
	CheckoutURL string
	Active      bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

type WebhookEventStatus string

const (
	WebhookPending   WebhookEventStatus = "pending"
	WebhookProcessed WebhookEventStatus = "processed"
	WebhookFailed    WebhookEventStatus = "failed"
)

type WebhookEvent struct {
	EventID     string // gateway event id, the idempotency key
	EventType   string
	Payload     json.RawMessage
	Status      WebhookEventStatus
	ErrorDetail string
	Note        string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundSucceeded  RefundStatus = "succeeded"
	RefundFailed     RefundStatus = "failed"
	RefundCancelled  RefundStatus = "cancelled"
)

type Refund struct {
	ID          string
	OrderID     string
	AmountCents int
	GatewayRef  string
	Status      RefundStatus
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AuditEntry is append-only; rows are never updated or deleted.
type AuditEntry struct {
	ID        string
	OrderID   string
	EventType string
	OldValue  string
	NewValue  string
	ActorID   *string // nil for system-initiated events
	ActorRole string
	Origin    string
	Metadata  json.RawMessage
	CreatedAt time.Time
}

type Product struct {
	ID          string
	Name        string
	PriceCents  int
	Stock       int
	IsAvailable bool
}
