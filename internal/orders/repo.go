package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ItemInput struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type CheckoutInput struct {
	BusinessID    string
	UserID        string
	Items         []ItemInput
	DiscountID    *string
	PickupAt      time.Time
	PaymentMethod string
	TaxRateBPS    int
}

type Repo struct {
	DB    *pgxpool.Pool
	Audit *AuditRepo
}

// Checkout creates the order in one transaction: price snapshot from the
// products table (never trust the client), all-or-nothing stock
// reservation, totals, business-scoped order number, outbox row. Any
// failure rolls everything back; no partial reservation survives.
func (r *Repo) Checkout(ctx context.Context, in CheckoutInput) (*Order, error) {
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("checkout: no items")
	}
	lines, err := mergeLineItems(in.Items)
	if err != nil {
		return nil, err
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var disc *Discount
	if in.DiscountID != nil {
		var d Discount
		err := tx.QueryRow(ctx, `SELECT id, kind, value, active FROM discounts WHERE id=$1`, *in.DiscountID).
			Scan(&d.ID, &d.Kind, &d.Value, &d.Active)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && !d.Active) {
			return nil, ErrDiscountInvalid
		}
		if err != nil {
			return nil, err
		}
		disc = &d
	}

	orderID := uuid.NewString()
	now := time.Now().UTC()

	// lock products -> snapshot price -> reserve. Partial failures roll
	// back via the deferred Rollback.
	items := make([]OrderItem, 0, len(lines))
	for _, it := range lines {
		var priceCents, stock int
		var available bool
		err := tx.QueryRow(ctx, `
			SELECT price_cents, stock, is_available FROM products WHERE id=$1 FOR UPDATE`, it.ProductID).
			Scan(&priceCents, &stock, &available)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %s: %w", it.ProductID, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		if !available {
			return nil, fmt.Errorf("product %s: %w", it.ProductID, ErrProductUnavailable)
		}
		if stock < it.Qty {
			return nil, fmt.Errorf("product %s: need %d have %d: %w", it.ProductID, it.Qty, stock, ErrInsufficientStock)
		}
		if _, err := tx.Exec(ctx, `UPDATE products SET stock = stock - $2, updated_at = now() WHERE id=$1`, it.ProductID, it.Qty); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations(order_id, product_id, qty, status)
			VALUES ($1,$2,$3,'RESERVED')
			ON CONFLICT (order_id, product_id)
			DO UPDATE SET qty = reservations.qty + EXCLUDED.qty`, orderID, it.ProductID, it.Qty); err != nil {
			return nil, err
		}
		items = append(items, OrderItem{
			ID:             uuid.NewString(),
			OrderID:        orderID,
			ProductID:      it.ProductID,
			Qty:            it.Qty,
			UnitPriceCents: priceCents,
			LineTotalCents: priceCents * it.Qty,
		})
	}

	totals := ComputeTotals(items, disc, in.TaxRateBPS)

	var seq int
	if err := tx.QueryRow(ctx, `
		INSERT INTO order_counters(business_id, day, n) VALUES ($1, $2, 1)
		ON CONFLICT (business_id, day) DO UPDATE SET n = order_counters.n + 1
		RETURNING n`, in.BusinessID, now.Format("2006-01-02")).Scan(&seq); err != nil {
		return nil, err
	}

	o := &Order{
		ID:            orderID,
		OrderNumber:   FormatOrderNumber(now, seq),
		BusinessID:    in.BusinessID,
		UserID:        in.UserID,
		Status:        StatusPending,
		PaymentStatus: PaymentUnpaid,
		PaymentMethod: in.PaymentMethod,
		SubtotalCents: totals.SubtotalCents,
		DiscountCents: totals.DiscountCents,
		TaxCents:      totals.TaxCents,
		TotalCents:    totals.TotalCents,
		DiscountID:    in.DiscountID,
		PickupAt:      in.PickupAt.UTC(),
		ArrivalCode:   NewArrivalCode(),
		CreatedAt:     now,
		UpdatedAt:     now,
		Items:         items,
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO orders(id, order_number, business_id, user_id, status, payment_status, payment_method,
		                   subtotal_cents, discount_cents, tax_cents, total_cents, discount_id,
		                   pickup_at, arrival_code, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)`,
		o.ID, o.OrderNumber, o.BusinessID, o.UserID, o.Status, o.PaymentStatus, o.PaymentMethod,
		o.SubtotalCents, o.DiscountCents, o.TaxCents, o.TotalCents, o.DiscountID,
		o.PickupAt, o.ArrivalCode, o.CreatedAt); err != nil {
		return nil, err
	}
	for _, it := range items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, qty, unit_price_cents, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			it.ID, it.OrderID, it.ProductID, it.Qty, it.UnitPriceCents, it.LineTotalCents); err != nil {
			return nil, err
		}
	}

	if err := InsertOutboxTx(ctx, tx, OutboxRow{
		OrderID:   o.ID,
		UserID:    o.UserID,
		EventType: EventOrderCreated,
		Payload: mustJSON(OrderCreatedPayload{
			OrderID: o.ID, OrderNumber: o.OrderNumber, BusinessID: o.BusinessID,
			UserID: o.UserID, TotalCents: o.TotalCents, PickupAt: o.PickupAt,
		}),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	r.Audit.Record(ctx, o.ID, "order_created", "", string(StatusPending),
		Actor{ID: o.UserID, Role: RoleTourist}, mustJSON(map[string]any{"order_number": o.OrderNumber, "total_cents": o.TotalCents}))
	return o, nil
}

// mergeLineItems collapses duplicate product ids into a single line so
// the stock decrement and the reservation row always carry the same
// quantity. First-seen order is preserved.
func mergeLineItems(items []ItemInput) ([]ItemInput, error) {
	out := make([]ItemInput, 0, len(items))
	idx := make(map[string]int, len(items))
	for _, it := range items {
		if it.Qty <= 0 {
			return nil, fmt.Errorf("checkout: invalid qty for product %s", it.ProductID)
		}
		if i, ok := idx[it.ProductID]; ok {
			out[i].Qty += it.Qty
			continue
		}
		idx[it.ProductID] = len(out)
		out = append(out, it)
	}
	return out, nil
}

// Advance moves the order along the happy path. The conditional UPDATE is
// the compare-and-swap: a concurrent winner leaves zero rows for us.
func (r *Repo) Advance(ctx context.Context, orderID string, next Status, actor Actor) (*Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur Status
	var userID string
	err = tx.QueryRow(ctx, `SELECT status, user_id FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&cur, &userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur, next) {
		return nil, fmt.Errorf("%s -> %s: %w", cur, next, ErrInvalidTransition)
	}

	ct, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1 AND status=$3`, orderID, next, cur)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() != 1 {
		return nil, ErrStaleTransition
	}

	evType := EventOrderStatusChanged
	if next == StatusPickedUp {
		evType = EventOrderPickedUp
	}
	if err := InsertOutboxTx(ctx, tx, OutboxRow{
		OrderID:   orderID,
		UserID:    userID,
		EventType: evType,
		Payload:   mustJSON(StatusChangedPayload{OrderID: orderID, UserID: userID, OldStatus: cur, NewStatus: next}),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	r.Audit.Record(ctx, orderID, "status_changed", string(cur), string(next), actor, nil)
	return r.Get(ctx, orderID)
}

// Cancel applies an already-evaluated cancellation decision: CAS the
// status, release every reservation, record who and why. The refund (if
// payment was captured) is the caller's follow-up; the bool return says
// whether one is needed.
func (r *Repo) Cancel(ctx context.Context, orderID string, dec CancelDecision, actor Actor, reason string) (*Order, bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur Status
	var pay PaymentStatus
	var userID string
	err = tx.QueryRow(ctx, `SELECT status, payment_status, user_id FROM orders WHERE id=$1 FOR UPDATE`, orderID).
		Scan(&cur, &pay, &userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}
	if !cur.Cancellable() {
		// the policy was evaluated on a snapshot; someone else won the race
		return nil, false, fmt.Errorf("%s: %w", cur, ErrStaleTransition)
	}

	if reason == "" {
		reason = dec.Reason
	}
	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, cancel_reason=$3, cancelled_by=$4, updated_at=now()
		WHERE id=$1 AND status=$5`, orderID, dec.TargetStatus, reason, actor.ID, cur)
	if err != nil {
		return nil, false, err
	}
	if ct.RowsAffected() != 1 {
		return nil, false, ErrStaleTransition
	}

	if _, err := ReleaseReservationsTx(ctx, tx, orderID); err != nil {
		return nil, false, err
	}

	refundNeeded := pay == PaymentPaid
	if err := InsertOutboxTx(ctx, tx, OutboxRow{
		OrderID:   orderID,
		UserID:    userID,
		EventType: EventOrderCancelled,
		Payload: mustJSON(OrderCancelledPayload{
			OrderID: orderID, UserID: userID, CancelledBy: string(actor.Role),
			Reason: reason, RefundQueued: refundNeeded,
		}),
	}); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	r.Audit.Record(ctx, orderID, "order_cancelled", string(cur), string(dec.TargetStatus), actor,
		mustJSON(map[string]any{"reason": reason, "penalty_cents": dec.PenaltyCents}))
	o, err := r.Get(ctx, orderID)
	return o, refundNeeded, err
}

// Pickup verifies the arrival code and closes the order. A wrong code is
// reported distinctly from not-found and leaves the state untouched.
// Stock still RESERVED (cash orders have no capture webhook) is committed
// here; for gateway-paid orders the capture already did it and the flip
// is a no-op.
func (r *Repo) Pickup(ctx context.Context, orderID, suppliedCode string, actor Actor) (*Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur Status
	var code, userID string
	err = tx.QueryRow(ctx, `SELECT status, arrival_code, user_id FROM orders WHERE id=$1 FOR UPDATE`, orderID).
		Scan(&cur, &code, &userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if cur != StatusReadyForPickup {
		return nil, fmt.Errorf("%s: %w", cur, ErrInvalidTransition)
	}
	if suppliedCode != code {
		return nil, ErrArrivalCodeMismatch
	}

	ct, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1 AND status=$3`,
		orderID, StatusPickedUp, cur)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() != 1 {
		return nil, ErrStaleTransition
	}
	if err := CommitReservationsTx(ctx, tx, orderID); err != nil {
		return nil, err
	}
	if err := InsertOutboxTx(ctx, tx, OutboxRow{
		OrderID:   orderID,
		UserID:    userID,
		EventType: EventOrderPickedUp,
		Payload:   mustJSON(StatusChangedPayload{OrderID: orderID, UserID: userID, OldStatus: cur, NewStatus: StatusPickedUp}),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	r.Audit.Record(ctx, orderID, "order_picked_up", string(cur), string(StatusPickedUp), actor, nil)
	return r.Get(ctx, orderID)
}

const orderCols = `id, order_number, business_id, user_id, status, payment_status, payment_method,
	subtotal_cents, discount_cents, tax_cents, total_cents, discount_id,
	pickup_at, arrival_code, cancel_reason, cancelled_by, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.BusinessID, &o.UserID, &o.Status, &o.PaymentStatus, &o.PaymentMethod,
		&o.SubtotalCents, &o.DiscountCents, &o.TaxCents, &o.TotalCents, &o.DiscountID,
		&o.PickupAt, &o.ArrivalCode, &o.CancelReason, &o.CancelledBy, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repo) Get(ctx context.Context, orderID string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, orderID))
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, product_id, qty, unit_price_cents, line_total_cents
		FROM order_items WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Qty, &it.UnitPriceCents, &it.LineTotalCents); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func (r *Repo) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderCols+` FROM orders WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}
