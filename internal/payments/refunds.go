package payments

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lakbaymarket/orders/internal/orders"
)

// RefundStore is the persistence slice the coordinator needs.
type RefundStore interface {
	OrderRefundBalance(ctx context.Context, orderID string) (total, refunded int, paid bool, err error)
	InsertRefund(ctx context.Context, r *orders.Refund) error
	SetRefundSubmitted(ctx context.Context, refundID, gatewayRef string) error
	MarkRefundFailed(ctx context.Context, refundID, reason string) error
}

type RefundGateway interface {
	CreateRefund(ctx context.Context, intentRef string, amountCents int, reason string) (string, error)
}

type IntentResolver interface {
	LatestRefForOrder(ctx context.Context, orderID string) (string, error)
}

// Coordinator issues refund requests. It never assumes success: the row
// stays processing until the webhook reconciler settles it.
type Coordinator struct {
	Store   RefundStore
	Gateway RefundGateway
	Intents IntentResolver
	Audit   *orders.AuditRepo
}

func (c *Coordinator) Request(ctx context.Context, orderID string, amountCents int, reason string, actor orders.Actor) (*orders.Refund, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("refund amount must be positive")
	}
	total, refunded, paid, err := c.Store.OrderRefundBalance(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !paid {
		return nil, fmt.Errorf("order %s: payment not captured", orderID)
	}
	if remaining := total - refunded; amountCents > remaining {
		return nil, fmt.Errorf("amount %d > remaining %d: %w", amountCents, remaining, orders.ErrRefundExceedsBalance)
	}

	r := &orders.Refund{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		AmountCents: amountCents,
		Status:      orders.RefundPending,
		Reason:      reason,
	}
	if err := c.Store.InsertRefund(ctx, r); err != nil {
		return nil, err
	}

	intentRef, err := c.Intents.LatestRefForOrder(ctx, orderID)
	if err != nil {
		_ = c.Store.MarkRefundFailed(ctx, r.ID, "no payment intent on record")
		return nil, fmt.Errorf("order %s: %w", orderID, err)
	}
	gwRef, err := c.Gateway.CreateRefund(ctx, intentRef, amountCents, reason)
	if err != nil {
		// gateway never heard of it; safe to fail the row synchronously
		_ = c.Store.MarkRefundFailed(ctx, r.ID, err.Error())
		return nil, err
	}
	if err := c.Store.SetRefundSubmitted(ctx, r.ID, gwRef); err != nil {
		return nil, err
	}
	r.GatewayRef = gwRef
	r.Status = orders.RefundProcessing

	if c.Audit != nil {
		c.Audit.Record(ctx, orderID, "refund_requested", "", string(orders.RefundProcessing), actor,
			mustJSON(map[string]any{"refund_id": r.ID, "amount_cents": amountCents, "reason": reason}))
	}
	return r, nil
}
