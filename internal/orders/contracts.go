package orders

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Catalog is the product-catalog collaborator. The checkout transaction
// re-reads products under lock; this contract serves pre-validation and
// anything outside the tx.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
}

type CancellationPolicy struct {
	DeadlineHours             *int // nil = no deadline configured
	PenaltyPercentBPS         int
	PenaltyFixedCents         int
	AllowCustomerCancellation bool
}

// BusinessSettings is the business-configuration collaborator.
type BusinessSettings interface {
	GetCancellationPolicy(ctx context.Context, businessID string) (*CancellationPolicy, error)
}

type PgCatalog struct{ DB *pgxpool.Pool }

func (c *PgCatalog) GetProduct(ctx context.Context, id string) (*Product, error) {
	var p Product
	err := c.DB.QueryRow(ctx, `
		SELECT id, name, price_cents, stock, is_available
		FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.PriceCents, &p.Stock, &p.IsAvailable)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type PgBusinessSettings struct{ DB *pgxpool.Pool }

func (s *PgBusinessSettings) GetCancellationPolicy(ctx context.Context, businessID string) (*CancellationPolicy, error) {
	var p CancellationPolicy
	err := s.DB.QueryRow(ctx, `
		SELECT cancel_deadline_hours, cancel_penalty_bps, cancel_penalty_cents, allow_customer_cancellation
		FROM business_settings WHERE business_id=$1`, businessID).
		Scan(&p.DeadlineHours, &p.PenaltyPercentBPS, &p.PenaltyFixedCents, &p.AllowCustomerCancellation)
	if errors.Is(err, pgx.ErrNoRows) {
		// no row = defaults: customer may cancel, no deadline, no penalty
		return &CancellationPolicy{AllowCustomerCancellation: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
