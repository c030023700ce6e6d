package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lakbaymarket/orders/internal/orders"
)

// SweepStore is the persistence slice the sweeper needs.
type SweepStore interface {
	AbandonedOrders(ctx context.Context, cutoff, now time.Time) ([]string, error)
	AbandonOrder(ctx context.Context, orderID string) (int, error)
	DeactivateExpiredIntents(ctx context.Context, now time.Time) (int, error)
	CountSweepCandidates(ctx context.Context, cutoff, now time.Time) (SweepStats, error)
}

type SweepResult struct {
	OrdersAbandoned    int      `json:"orders_abandoned"`
	IntentsExpired     int      `json:"intents_expired"`
	StockUnitsReleased int      `json:"stock_units_released"`
	Errors             []string `json:"errors,omitempty"`
}

// Sweeper reclaims stale unpaid orders and expired intents on a fixed
// interval. It runs concurrently with webhooks and user cancellation on
// the same orders; whoever transitions first wins, and the sweeper treats
// its losses as no-ops.
type Sweeper struct {
	Store        SweepStore
	AbandonAfter time.Duration
	Interval     time.Duration
	Now          func() time.Time // defaults to time.Now; tests override
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	log.Printf("sweeper started: interval=%s abandon_after=%s", s.Interval, s.AbandonAfter)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res := s.Sweep(ctx)
			if res.OrdersAbandoned > 0 || res.IntentsExpired > 0 || len(res.Errors) > 0 {
				log.Printf("sweep: abandoned=%d intents_expired=%d units_released=%d errors=%d",
					res.OrdersAbandoned, res.IntentsExpired, res.StockUnitsReleased, len(res.Errors))
			}
		}
	}
}

// Sweep runs one pass and returns partial results: one bad order never
// aborts the batch.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.now()

	ids, err := s.Store.AbandonedOrders(ctx, now.Add(-s.AbandonAfter), now)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("select abandoned: %v", err))
	}
	for _, id := range ids {
		units, err := s.Store.AbandonOrder(ctx, id)
		switch {
		case errors.Is(err, orders.ErrStaleTransition):
			// lost the race to a webhook or a cancel; not an error
			log.Printf("sweep: order %s moved concurrently, skipping", id)
		case err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("order %s: %v", id, err))
		default:
			res.OrdersAbandoned++
			res.StockUnitsReleased += units
		}
	}

	n, err := s.Store.DeactivateExpiredIntents(ctx, now)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("expire intents: %v", err))
	}
	res.IntentsExpired = n
	return res
}

// RunManualSweep backs the operator endpoint; same pass, same partial
// semantics.
func (s *Sweeper) RunManualSweep(ctx context.Context) SweepResult {
	return s.Sweep(ctx)
}

func (s *Sweeper) Stats(ctx context.Context) (SweepStats, error) {
	now := s.now()
	st, err := s.Store.CountSweepCandidates(ctx, now.Add(-s.AbandonAfter), now)
	if err != nil {
		return st, err
	}
	st.AbandonAfter = s.AbandonAfter
	st.SweepInterval = s.Interval
	return st, nil
}
