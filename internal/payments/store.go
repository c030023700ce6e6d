package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lakbaymarket/orders/internal/orders"
)

// Store applies gateway-driven lifecycle changes. Each apply marks the
// webhook event processed inside the same transaction as the order
// mutation, so a crash can never capture an order without consuming its
// event or vice versa.
type Store struct {
	DB    *pgxpool.Pool
	Audit *orders.AuditRepo
}

var systemActor = orders.Actor{Role: orders.RoleSystem, Origin: "gateway-webhook"}

// RecordEvent inserts the event as pending. Returns false when the event
// id was seen before: the DB unique index is the idempotency guarantee.
func (s *Store) RecordEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_events(event_id, event_type, payload, status)
		VALUES ($1,$2,$3,'pending')
		ON CONFLICT (event_id) DO NOTHING`, eventID, eventType, payload)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *Store) EventStatus(ctx context.Context, eventID string) (orders.WebhookEventStatus, error) {
	var st orders.WebhookEventStatus
	err := s.DB.QueryRow(ctx, `SELECT status FROM webhook_events WHERE event_id=$1`, eventID).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", orders.ErrNotFound
	}
	return st, err
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID, note string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE webhook_events SET status='processed', note=$2, processed_at=now()
		WHERE event_id=$1`, eventID, note)
	return err
}

func (s *Store) MarkEventFailed(ctx context.Context, eventID, detail string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE webhook_events SET status='failed', error_detail=$2, processed_at=now()
		WHERE event_id=$1`, eventID, detail)
	return err
}

func (s *Store) OrderIDByIntent(ctx context.Context, intentRef string) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `SELECT order_id FROM payment_intents WHERE gateway_ref=$1`, intentRef).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", orders.ErrNotFound
	}
	return id, err
}

func markEventProcessedTx(ctx context.Context, tx pgx.Tx, eventID, note string) error {
	_, err := tx.Exec(ctx, `
		UPDATE webhook_events SET status='processed', note=$2, processed_at=now()
		WHERE event_id=$1`, eventID, note)
	return err
}

// CaptureOrderPayment: PENDING -> ACCEPTED, payment PAID, stock
// committed, intent settled, event consumed, all in one transaction. A
// non-PENDING order means someone else already decided its fate; the
// caller treats ErrStaleTransition as a benign race.
func (s *Store) CaptureOrderPayment(ctx context.Context, orderID, eventID string) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur orders.Status
	var userID string
	err = tx.QueryRow(ctx, `SELECT status, user_id FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&cur, &userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.ErrNotFound
	}
	if err != nil {
		return err
	}
	if cur != orders.StatusPending {
		return fmt.Errorf("capture on %s: %w", cur, orders.ErrStaleTransition)
	}

	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, payment_status=$3, updated_at=now()
		WHERE id=$1 AND status=$4`,
		orderID, orders.StatusAccepted, orders.PaymentPaid, orders.StatusPending)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrStaleTransition
	}
	if err := orders.CommitReservationsTx(ctx, tx, orderID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE payment_intents SET active=false, status='succeeded'
		WHERE order_id=$1 AND active`, orderID); err != nil {
		return err
	}
	if err := markEventProcessedTx(ctx, tx, eventID, ""); err != nil {
		return err
	}
	if err := orders.InsertOutboxTx(ctx, tx, orders.OutboxRow{
		OrderID:   orderID,
		UserID:    userID,
		EventType: orders.EventOrderAccepted,
		Payload: mustJSON(orders.StatusChangedPayload{
			OrderID: orderID, UserID: userID,
			OldStatus: orders.StatusPending, NewStatus: orders.StatusAccepted,
		}),
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.Audit.Record(ctx, orderID, "payment_captured", string(orders.StatusPending), string(orders.StatusAccepted),
		systemActor, mustJSON(map[string]string{"event_id": eventID}))
	return nil
}

// FailOrderPayment: PENDING -> FAILED_PAYMENT, stock released, intent
// settled, event consumed.
func (s *Store) FailOrderPayment(ctx context.Context, orderID, eventID, reason string) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur orders.Status
	var userID string
	err = tx.QueryRow(ctx, `SELECT status, user_id FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&cur, &userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.ErrNotFound
	}
	if err != nil {
		return err
	}
	if cur != orders.StatusPending {
		return fmt.Errorf("payment-failed on %s: %w", cur, orders.ErrStaleTransition)
	}

	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, payment_status=$3, updated_at=now()
		WHERE id=$1 AND status=$4`,
		orderID, orders.StatusFailedPayment, orders.PaymentFailed, orders.StatusPending)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrStaleTransition
	}
	if _, err := orders.ReleaseReservationsTx(ctx, tx, orderID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE payment_intents SET active=false, status='failed'
		WHERE order_id=$1 AND active`, orderID); err != nil {
		return err
	}
	if err := markEventProcessedTx(ctx, tx, eventID, ""); err != nil {
		return err
	}
	if err := orders.InsertOutboxTx(ctx, tx, orders.OutboxRow{
		OrderID:   orderID,
		UserID:    userID,
		EventType: orders.EventPaymentFailed,
		Payload:   mustJSON(orders.PaymentFailedPayload{OrderID: orderID, UserID: userID, Reason: reason}),
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.Audit.Record(ctx, orderID, "payment_failed", string(orders.StatusPending), string(orders.StatusFailedPayment),
		systemActor, mustJSON(map[string]string{"event_id": eventID, "reason": reason}))
	return nil
}

// ResolveRefund settles a pending/processing refund from the gateway's
// asynchronous confirmation and rolls the order's payment status up to
// REFUNDED / PARTIALLY_REFUNDED when appropriate.
func (s *Store) ResolveRefund(ctx context.Context, gatewayRef string, succeeded bool, eventID string) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var refundID, orderID string
	var amount int
	var cur orders.RefundStatus
	err = tx.QueryRow(ctx, `
		SELECT id, order_id, amount_cents, status FROM refunds
		WHERE gateway_ref=$1 FOR UPDATE`, gatewayRef).Scan(&refundID, &orderID, &amount, &cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.ErrNotFound
	}
	if err != nil {
		return err
	}
	if cur == orders.RefundSucceeded || cur == orders.RefundFailed || cur == orders.RefundCancelled {
		// terminal already; just consume the event
		if err := markEventProcessedTx(ctx, tx, eventID, "refund already terminal"); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	next := orders.RefundFailed
	if succeeded {
		next = orders.RefundSucceeded
	}
	if _, err := tx.Exec(ctx, `UPDATE refunds SET status=$2, updated_at=now() WHERE id=$1`, refundID, next); err != nil {
		return err
	}

	var userID string
	if succeeded {
		var total, refunded int
		if err := tx.QueryRow(ctx, `SELECT total_cents, user_id FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&total, &userID); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(amount_cents),0) FROM refunds
			WHERE order_id=$1 AND status='succeeded'`, orderID).Scan(&refunded); err != nil {
			return err
		}
		pay := orders.PaymentPartiallyRefunded
		if refunded >= total {
			pay = orders.PaymentRefunded
		}
		if _, err := tx.Exec(ctx, `UPDATE orders SET payment_status=$2, updated_at=now() WHERE id=$1`, orderID, pay); err != nil {
			return err
		}
	} else {
		if err := tx.QueryRow(ctx, `SELECT user_id FROM orders WHERE id=$1`, orderID).Scan(&userID); err != nil {
			return err
		}
	}

	if err := markEventProcessedTx(ctx, tx, eventID, ""); err != nil {
		return err
	}
	if err := orders.InsertOutboxTx(ctx, tx, orders.OutboxRow{
		OrderID:   orderID,
		UserID:    userID,
		EventType: orders.EventRefundResolved,
		Payload: mustJSON(orders.RefundResolvedPayload{
			OrderID: orderID, RefundID: refundID, AmountCents: amount, Status: string(next),
		}),
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.Audit.Record(ctx, orderID, "refund_resolved", string(cur), string(next),
		systemActor, mustJSON(map[string]string{"refund_id": refundID, "event_id": eventID}))
	return nil
}

// ---- refund coordinator persistence ----

func (s *Store) OrderRefundBalance(ctx context.Context, orderID string) (total, refunded int, paid bool, err error) {
	var pay orders.PaymentStatus
	err = s.DB.QueryRow(ctx, `SELECT total_cents, payment_status FROM orders WHERE id=$1`, orderID).Scan(&total, &pay)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, false, orders.ErrNotFound
	}
	if err != nil {
		return 0, 0, false, err
	}
	err = s.DB.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_cents),0) FROM refunds
		WHERE order_id=$1 AND status='succeeded'`, orderID).Scan(&refunded)
	if err != nil {
		return 0, 0, false, err
	}
	paid = pay == orders.PaymentPaid || pay == orders.PaymentPartiallyRefunded
	return total, refunded, paid, nil
}

func (s *Store) InsertRefund(ctx context.Context, r *orders.Refund) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO refunds(id, order_id, amount_cents, gateway_ref, status, reason)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		r.ID, r.OrderID, r.AmountCents, r.GatewayRef, r.Status, r.Reason)
	return err
}

func (s *Store) SetRefundSubmitted(ctx context.Context, refundID, gatewayRef string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE refunds SET gateway_ref=$2, status=$3, updated_at=now() WHERE id=$1`,
		refundID, gatewayRef, orders.RefundProcessing)
	return err
}

func (s *Store) MarkRefundFailed(ctx context.Context, refundID, reason string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE refunds SET status=$2, reason=$3, updated_at=now() WHERE id=$1`,
		refundID, orders.RefundFailed, reason)
	return err
}

// ---- abandonment sweep persistence ----

// AbandonedOrders: PENDING with no captured payment, either past the age
// cutoff or holding an intent that already expired. The intent clause
// keeps the sweep correct even when intents expire before the cutoff.
func (s *Store) AbandonedOrders(ctx context.Context, cutoff, now time.Time) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT o.id FROM orders o
		WHERE o.status=$1 AND o.payment_status=$2
		  AND (o.created_at < $3 OR EXISTS (
			SELECT 1 FROM payment_intents pi
			WHERE pi.order_id=o.id AND pi.active AND pi.expires_at < $4))
		ORDER BY o.created_at`, orders.StatusPending, orders.PaymentUnpaid, cutoff, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AbandonOrder cancels one stale order: CAS to CANCELLED_BY_USER
// ("abandoned"), release stock, retire the intent in one transaction.
// Returns the stock units restored. Losing the race to a webhook or a
// user cancel surfaces as ErrStaleTransition.
func (s *Store) AbandonOrder(ctx context.Context, orderID string) (int, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur orders.Status
	var userID string
	err = tx.QueryRow(ctx, `SELECT status, user_id FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&cur, &userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, orders.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if cur != orders.StatusPending {
		return 0, fmt.Errorf("abandon on %s: %w", cur, orders.ErrStaleTransition)
	}

	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, cancel_reason='abandoned', cancelled_by='system', updated_at=now()
		WHERE id=$1 AND status=$3`, orderID, orders.StatusCancelledByUser, orders.StatusPending)
	if err != nil {
		return 0, err
	}
	if ct.RowsAffected() != 1 {
		return 0, orders.ErrStaleTransition
	}
	units, err := orders.ReleaseReservationsTx(ctx, tx, orderID)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE payment_intents SET active=false, status='expired'
		WHERE order_id=$1 AND active`, orderID); err != nil {
		return 0, err
	}
	if err := orders.InsertOutboxTx(ctx, tx, orders.OutboxRow{
		OrderID:   orderID,
		UserID:    userID,
		EventType: orders.EventOrderCancelled,
		Payload: mustJSON(orders.OrderCancelledPayload{
			OrderID: orderID, UserID: userID, CancelledBy: string(orders.RoleSystem), Reason: "abandoned",
		}),
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	s.Audit.Record(ctx, orderID, "order_abandoned", string(orders.StatusPending), string(orders.StatusCancelledByUser),
		orders.Actor{Role: orders.RoleSystem, Origin: "sweeper"}, nil)
	return units, nil
}

// DeactivateExpiredIntents retires intents past expiry that no webhook
// settled. Their orders are handled by AbandonOrder or already terminal.
func (s *Store) DeactivateExpiredIntents(ctx context.Context, now time.Time) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE payment_intents SET active=false, status='expired'
		WHERE active AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

type SweepStats struct {
	AbandonableOrders    int           `json:"abandonable_orders"`
	ExpiredActiveIntents int           `json:"expired_active_intents"`
	AbandonAfter         time.Duration `json:"-"`
	SweepInterval        time.Duration `json:"-"`
}

func (s *Store) CountSweepCandidates(ctx context.Context, cutoff, now time.Time) (SweepStats, error) {
	var st SweepStats
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders o
		WHERE o.status=$1 AND o.payment_status=$2
		  AND (o.created_at < $3 OR EXISTS (
			SELECT 1 FROM payment_intents pi
			WHERE pi.order_id=o.id AND pi.active AND pi.expires_at < $4))`,
		orders.StatusPending, orders.PaymentUnpaid, cutoff, now).Scan(&st.AbandonableOrders)
	if err != nil {
		return st, err
	}
	err = s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM payment_intents WHERE active AND expires_at < $1`, now).
		Scan(&st.ExpiredActiveIntents)
	return st, err
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
