package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/lakbaymarket/orders/internal/orders"
	"github.com/lakbaymarket/orders/internal/redisx"
)

// Gateway event types we know how to apply. Anything else falls through
// to the logged unknown branch; it is recorded, never silently dropped.
const (
	GwPaymentSucceeded = "payment.succeeded"
	GwPaymentFailed    = "payment.failed"
	GwRefundSucceeded  = "refund.succeeded"
	GwRefundFailed     = "refund.failed"
)

var (
	ErrBadSignature     = errors.New("webhook signature verification failed")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// gatewayEvent is the wire shape of an inbound webhook.
type gatewayEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		IntentRef string `json:"intent_ref"`
		RefundRef string `json:"refund_ref"`
		OrderID   string `json:"order_id"`
		Reason    string `json:"reason"`
	} `json:"data"`
}

type Verifier interface {
	VerifySignature(rawBody []byte, signatureHeader string) bool
}

// ReconcilerStore is what the reconciler needs from persistence. The pgx
// Store satisfies it; tests use fakes.
type ReconcilerStore interface {
	RecordEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)
	EventStatus(ctx context.Context, eventID string) (orders.WebhookEventStatus, error)
	MarkEventProcessed(ctx context.Context, eventID, note string) error
	MarkEventFailed(ctx context.Context, eventID, detail string) error
	OrderIDByIntent(ctx context.Context, intentRef string) (string, error)
	CaptureOrderPayment(ctx context.Context, orderID, eventID string) error
	FailOrderPayment(ctx context.Context, orderID, eventID, reason string) error
	ResolveRefund(ctx context.Context, gatewayRef string, succeeded bool, eventID string) error
}

type OutcomeKind string

const (
	OutcomeApplied   OutcomeKind = "applied"
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomeNoOp      OutcomeKind = "noop"   // benign race or unknown type, consumed
	OutcomeFailed    OutcomeKind = "failed" // recorded for operator review
)

type Outcome struct {
	Kind    OutcomeKind
	EventID string
	Note    string
}

// Reconciler turns gateway webhooks into order transitions, exactly once
// per event id. Delivery is at-least-once; everything here must absorb
// retries.
type Reconciler struct {
	Verifier Verifier
	Store    ReconcilerStore
	Redis    *redis.Client // optional fast-path dedup cache
}

func (rc *Reconciler) Handle(ctx context.Context, rawBody []byte, signatureHeader string) (Outcome, error) {
	// 1. nothing is trusted before the signature passes
	if !rc.Verifier.VerifySignature(rawBody, signatureHeader) {
		return Outcome{}, ErrBadSignature
	}

	var ev gatewayEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.ID == "" {
		return Outcome{}, fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}
	out := Outcome{EventID: ev.ID}

	// 2. idempotency: the unique event id decides; Redis only short-cuts
	if rc.Redis != nil {
		key := fmt.Sprintf(redisx.KeyWebhookSeen, ev.ID)
		if seen, _ := redisx.Exists(ctx, rc.Redis, key); seen {
			out.Kind = OutcomeDuplicate
			return out, nil
		}
	}
	inserted, err := rc.Store.RecordEvent(ctx, ev.ID, ev.Type, rawBody)
	if err != nil {
		return out, err
	}
	if !inserted {
		st, err := rc.Store.EventStatus(ctx, ev.ID)
		if err != nil {
			return out, err
		}
		if st == orders.WebhookProcessed {
			out.Kind = OutcomeDuplicate
			rc.cacheSeen(ctx, ev.ID)
			return out, nil
		}
		// pending or failed: an earlier attempt died mid-flight, reapply
	}

	// 3. + 4. map and apply; the store does transition + event marking
	// in one transaction. A transient apply error leaves the event
	// pending and propagates, so the HTTP layer answers 5xx and the
	// gateway's redelivery gets another shot. Only data-integrity
	// faults (unknown order/refund) are marked failed and consumed.
	out, err = rc.apply(ctx, ev)
	if err != nil {
		return out, err
	}
	if out.Kind != OutcomeFailed {
		rc.cacheSeen(ctx, ev.ID)
	}
	return out, nil
}

func (rc *Reconciler) apply(ctx context.Context, ev gatewayEvent) (Outcome, error) {
	out := Outcome{EventID: ev.ID}
	switch ev.Type {
	case GwPaymentSucceeded:
		kind, err := rc.applyOrderTransition(ctx, ev, func(orderID string) error {
			return rc.Store.CaptureOrderPayment(ctx, orderID, ev.ID)
		})
		if err != nil {
			return out, err
		}
		out.Kind = kind
	case GwPaymentFailed:
		kind, err := rc.applyOrderTransition(ctx, ev, func(orderID string) error {
			return rc.Store.FailOrderPayment(ctx, orderID, ev.ID, ev.Data.Reason)
		})
		if err != nil {
			return out, err
		}
		out.Kind = kind
	case GwRefundSucceeded, GwRefundFailed:
		succeeded := ev.Type == GwRefundSucceeded
		err := rc.Store.ResolveRefund(ctx, ev.Data.RefundRef, succeeded, ev.ID)
		switch {
		case errors.Is(err, orders.ErrNotFound):
			out.Kind = rc.fail(ctx, ev.ID, "refund not found: "+ev.Data.RefundRef)
		case err != nil:
			return out, fmt.Errorf("apply event %s: %w", ev.ID, err)
		default:
			out.Kind = OutcomeApplied
		}
	default:
		// closed set: unknown types are consumed loudly, not ignored
		log.Printf("webhook: unknown event type %q event=%s", ev.Type, ev.ID)
		if err := rc.Store.MarkEventProcessed(ctx, ev.ID, "unknown event type: "+ev.Type); err != nil {
			return out, err
		}
		out.Kind = OutcomeNoOp
		out.Note = "unknown event type"
	}
	return out, nil
}

func (rc *Reconciler) applyOrderTransition(ctx context.Context, ev gatewayEvent, apply func(orderID string) error) (OutcomeKind, error) {
	orderID := ev.Data.OrderID
	if orderID == "" {
		var err error
		orderID, err = rc.Store.OrderIDByIntent(ctx, ev.Data.IntentRef)
		if errors.Is(err, orders.ErrNotFound) {
			return rc.fail(ctx, ev.ID, "no order for intent "+ev.Data.IntentRef), nil
		}
		if err != nil {
			return "", fmt.Errorf("resolve intent %s: %w", ev.Data.IntentRef, err)
		}
	}

	err := apply(orderID)
	switch {
	case errors.Is(err, orders.ErrStaleTransition):
		// benign race: the gateway owns payment truth, but the platform
		// owns order status once terminal. Consume, log, succeed.
		log.Printf("webhook: benign race on order=%s event=%s: %v", orderID, ev.ID, err)
		if merr := rc.Store.MarkEventProcessed(ctx, ev.ID, "benign race: "+err.Error()); merr != nil {
			return "", merr
		}
		return OutcomeNoOp, nil
	case errors.Is(err, orders.ErrNotFound):
		return rc.fail(ctx, ev.ID, "order not found: "+orderID), nil
	case err != nil:
		return "", fmt.Errorf("apply event %s: %w", ev.ID, err)
	}
	return OutcomeApplied, nil
}

func (rc *Reconciler) fail(ctx context.Context, eventID, detail string) OutcomeKind {
	log.Printf("webhook: event=%s failed: %s", eventID, detail)
	if err := rc.Store.MarkEventFailed(ctx, eventID, detail); err != nil {
		log.Printf("webhook: marking event=%s failed: %v", eventID, err)
	}
	return OutcomeFailed
}

func (rc *Reconciler) cacheSeen(ctx context.Context, eventID string) {
	if rc.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyWebhookSeen, eventID)
	_ = rc.Redis.Set(ctx, key, "1", redisx.TTLWebhookSeen).Err()
}
