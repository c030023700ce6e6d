package payments

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakbaymarket/orders/internal/orders"
)

type fakeSweepStore struct {
	abandoned   []string
	unitsByID   map[string]int
	errByID     map[string]error
	expired     int
	expireErr   error
	selectErr   error
	abandonedOK []string // ids actually abandoned
	cutoffSeen  time.Time
	nowSeen     time.Time
}

func (f *fakeSweepStore) AbandonedOrders(_ context.Context, cutoff, now time.Time) ([]string, error) {
	f.cutoffSeen = cutoff
	f.nowSeen = now
	return f.abandoned, f.selectErr
}

func (f *fakeSweepStore) AbandonOrder(_ context.Context, id string) (int, error) {
	if err := f.errByID[id]; err != nil {
		return 0, err
	}
	f.abandonedOK = append(f.abandonedOK, id)
	return f.unitsByID[id], nil
}

func (f *fakeSweepStore) DeactivateExpiredIntents(context.Context, time.Time) (int, error) {
	return f.expired, f.expireErr
}

func (f *fakeSweepStore) CountSweepCandidates(context.Context, time.Time, time.Time) (SweepStats, error) {
	return SweepStats{AbandonableOrders: len(f.abandoned), ExpiredActiveIntents: f.expired}, nil
}

func newSweeper(store SweepStore) *Sweeper {
	return &Sweeper{
		Store:        store,
		AbandonAfter: 20 * time.Minute,
		Interval:     5 * time.Minute,
		Now:          func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) },
	}
}

func TestSweepAbandonsStaleOrders(t *testing.T) {
	store := &fakeSweepStore{
		abandoned: []string{"o-1", "o-2"},
		unitsByID: map[string]int{"o-1": 2, "o-2": 3},
		expired:   1,
	}
	s := newSweeper(store)

	res := s.Sweep(context.Background())
	assert.Equal(t, 2, res.OrdersAbandoned)
	assert.Equal(t, 5, res.StockUnitsReleased)
	assert.Equal(t, 1, res.IntentsExpired)
	assert.Empty(t, res.Errors)
	assert.Equal(t, time.Date(2026, 8, 29, 11, 40, 0, 0, time.UTC), store.cutoffSeen,
		"cutoff = now - abandon threshold")
	assert.Equal(t, time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC), store.nowSeen,
		"now bounds the expired-intent clause, so short-lived intents abandon their orders without waiting out the cutoff")
}

// Losing the race on one order is a skip, not an error.
func TestSweepLosingRaceIsNoOp(t *testing.T) {
	store := &fakeSweepStore{
		abandoned: []string{"o-1", "o-2"},
		unitsByID: map[string]int{"o-2": 2},
		errByID:   map[string]error{"o-1": fmt.Errorf("abandon on ACCEPTED: %w", orders.ErrStaleTransition)},
	}
	s := newSweeper(store)

	res := s.Sweep(context.Background())
	assert.Equal(t, 1, res.OrdersAbandoned)
	assert.Equal(t, 2, res.StockUnitsReleased)
	assert.Empty(t, res.Errors, "a concurrent winner is not an error")
	assert.Equal(t, []string{"o-2"}, store.abandonedOK)
}

// One genuinely broken order must not abort the batch.
func TestSweepPartialResults(t *testing.T) {
	store := &fakeSweepStore{
		abandoned: []string{"o-1", "o-2", "o-3"},
		unitsByID: map[string]int{"o-1": 1, "o-3": 4},
		errByID:   map[string]error{"o-2": errors.New("deadlock detected")},
		expireErr: errors.New("db gone"),
	}
	s := newSweeper(store)

	res := s.Sweep(context.Background())
	assert.Equal(t, 2, res.OrdersAbandoned)
	assert.Equal(t, 5, res.StockUnitsReleased)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "o-2")
	assert.Contains(t, res.Errors[1], "expire intents")
}

func TestRunManualSweepMatchesSweep(t *testing.T) {
	store := &fakeSweepStore{abandoned: []string{"o-1"}, unitsByID: map[string]int{"o-1": 2}}
	s := newSweeper(store)

	res := s.RunManualSweep(context.Background())
	assert.Equal(t, 1, res.OrdersAbandoned)
	assert.Equal(t, 2, res.StockUnitsReleased)
}

func TestStatsCarriesThresholds(t *testing.T) {
	store := &fakeSweepStore{abandoned: []string{"o-1", "o-2"}, expired: 3}
	s := newSweeper(store)

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.AbandonableOrders)
	assert.Equal(t, 3, st.ExpiredActiveIntents)
	assert.Equal(t, 20*time.Minute, st.AbandonAfter)
	assert.Equal(t, 5*time.Minute, st.SweepInterval)
}
