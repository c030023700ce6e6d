package orders

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReservationRepo is the read side of the stock ledger. Reservations are
// tagged with the order id so they can be traced, released, or committed
// as one unit; the writes happen inside the checkout / capture / cancel
// transactions via the Tx helpers below.
type ReservationRepo struct{ DB *pgxpool.Pool }

func (r *ReservationRepo) ListByOrder(ctx context.Context, orderID string) ([]Reservation, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT order_id, product_id, qty, status, created_at
		FROM reservations WHERE order_id=$1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		var res Reservation
		if err := rows.Scan(&res.OrderID, &res.ProductID, &res.Qty, &res.Status, &res.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ReleasedAndCommitted sums units per terminal reservation state, for
// reconciliation checks.
func (r *ReservationRepo) ReleasedAndCommitted(ctx context.Context, orderID string) (released, committed int, err error) {
	rows, err := r.DB.Query(ctx, `SELECT status, COALESCE(SUM(qty),0) FROM reservations WHERE order_id=$1 GROUP BY status`, orderID)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return 0, 0, err
		}
		switch st {
		case "RELEASED":
			released = n
		case "COMMITTED":
			committed = n
		}
	}
	return released, committed, rows.Err()
}

// ReleaseReservationsTx restores stock for all RESERVED rows of the order
// inside the caller's transaction and returns the unit count restored.
// Idempotent: a second release finds no RESERVED rows and is a no-op,
// because cancellation and the abandonment sweep may race.
func ReleaseReservationsTx(ctx context.Context, tx pgx.Tx, orderID string) (int, error) {
	rows, err := tx.Query(ctx, `SELECT product_id, qty FROM reservations WHERE order_id=$1 AND status='RESERVED' FOR UPDATE`, orderID)
	if err != nil {
		return 0, err
	}
	type rec struct {
		pid string
		qty int
	}
	var recs []rec
	for rows.Next() {
		var x rec
		if err := rows.Scan(&x.pid, &x.qty); err != nil {
			rows.Close()
			return 0, err
		}
		recs = append(recs, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	units := 0
	for _, x := range recs {
		if _, err := tx.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`, x.pid, x.qty); err != nil {
			return 0, err
		}
		units += x.qty
	}
	if _, err := tx.Exec(ctx, `UPDATE reservations SET status='RELEASED' WHERE order_id=$1 AND status='RESERVED'`, orderID); err != nil {
		return 0, err
	}
	return units, nil
}

// CommitReservationsTx flips RESERVED rows to COMMITTED inside the
// caller's transaction. No quantity moves; the rows just stop being
// candidates for release or abandonment sweeps. A paid order must have
// committed stock; zero rows after a capture means the ledger drifted.
func CommitReservationsTx(ctx context.Context, tx pgx.Tx, orderID string) error {
	ct, err := tx.Exec(ctx, `UPDATE reservations SET status='COMMITTED' WHERE order_id=$1 AND status='RESERVED'`, orderID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		// already committed earlier is fine; never reserved is not
		var n int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM reservations WHERE order_id=$1 AND status='COMMITTED'`, orderID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("order %s: no reservations to commit", orderID)
		}
	}
	return nil
}
