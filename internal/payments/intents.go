package payments

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lakbaymarket/orders/internal/orders"
)

// IntentRepo persists gateway payment intents. One active intent per
// order: saving a new one deactivates the previous in the same
// transaction, so a retry supersedes rather than duplicates.
type IntentRepo struct{ DB *pgxpool.Pool }

func (r *IntentRepo) SaveNew(ctx context.Context, in *orders.PaymentIntent) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE payment_intents SET active=false, status='superseded'
		WHERE order_id=$1 AND active`, in.OrderID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO payment_intents(gateway_ref, order_id, amount_cents, currency, status, checkout_url, active, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,true,$7)`,
		in.GatewayRef, in.OrderID, in.AmountCents, in.Currency, in.Status, in.CheckoutURL, in.ExpiresAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *IntentRepo) ActiveByOrder(ctx context.Context, orderID string) (*orders.PaymentIntent, error) {
	var in orders.PaymentIntent
	err := r.DB.QueryRow(ctx, `
		SELECT gateway_ref, order_id, amount_cents, currency, status, checkout_url, active, created_at, expires_at
		FROM payment_intents WHERE order_id=$1 AND active`, orderID).
		Scan(&in.GatewayRef, &in.OrderID, &in.AmountCents, &in.Currency, &in.Status, &in.CheckoutURL, &in.Active, &in.CreatedAt, &in.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// LatestRefForOrder returns the most recent intent ref regardless of
// active flag; refunds go against the intent that actually captured.
func (r *IntentRepo) LatestRefForOrder(ctx context.Context, orderID string) (string, error) {
	var ref string
	err := r.DB.QueryRow(ctx, `
		SELECT gateway_ref FROM payment_intents WHERE order_id=$1
		ORDER BY created_at DESC LIMIT 1`, orderID).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", orders.ErrNotFound
	}
	return ref, err
}
