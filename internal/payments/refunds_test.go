package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakbaymarket/orders/internal/orders"
)

type fakeRefundStore struct {
	total    int
	refunded int
	paid     bool

	inserted  *orders.Refund
	submitted string // gateway ref
	failedMsg string
}

func (f *fakeRefundStore) OrderRefundBalance(context.Context, string) (int, int, bool, error) {
	return f.total, f.refunded, f.paid, nil
}

func (f *fakeRefundStore) InsertRefund(_ context.Context, r *orders.Refund) error {
	snapshot := *r
	f.inserted = &snapshot
	return nil
}

func (f *fakeRefundStore) SetRefundSubmitted(_ context.Context, _, ref string) error {
	f.submitted = ref
	return nil
}

func (f *fakeRefundStore) MarkRefundFailed(_ context.Context, _, reason string) error {
	f.failedMsg = reason
	return nil
}

type fakeRefundGateway struct {
	ref string
	err error
}

func (g *fakeRefundGateway) CreateRefund(context.Context, string, int, string) (string, error) {
	return g.ref, g.err
}

type fakeIntentResolver struct {
	ref string
	err error
}

func (r *fakeIntentResolver) LatestRefForOrder(context.Context, string) (string, error) {
	return r.ref, r.err
}

func coordinator(store *fakeRefundStore, gw *fakeRefundGateway) *Coordinator {
	return &Coordinator{Store: store, Gateway: gw, Intents: &fakeIntentResolver{ref: "pi_1"}}
}

func TestRequestRefundHappyPath(t *testing.T) {
	store := &fakeRefundStore{total: 50000, refunded: 0, paid: true}
	c := coordinator(store, &fakeRefundGateway{ref: "re_1"})

	r, err := c.Request(context.Background(), "order-1", 20000, "damaged item", orders.Actor{ID: "u-1", Role: orders.RoleTourist})
	require.NoError(t, err)
	assert.Equal(t, orders.RefundProcessing, r.Status, "terminal state only comes from the webhook")
	assert.Equal(t, "re_1", r.GatewayRef)
	assert.Equal(t, "re_1", store.submitted)
	require.NotNil(t, store.inserted)
	assert.Equal(t, orders.RefundPending, store.inserted.Status, "row is pending before the gateway call")
}

// ₱300 against a ₱500 order that already refunded ₱250 exceeds the
// remaining ₱250.
func TestRequestRefundExceedsRemainingBalance(t *testing.T) {
	store := &fakeRefundStore{total: 50000, refunded: 25000, paid: true}
	c := coordinator(store, &fakeRefundGateway{ref: "re_1"})

	_, err := c.Request(context.Background(), "order-1", 30000, "change of plans", orders.Actor{})
	assert.ErrorIs(t, err, orders.ErrRefundExceedsBalance)
	assert.Nil(t, store.inserted, "no row for a rejected request")
}

func TestRequestRefundExactRemainingBalanceAllowed(t *testing.T) {
	store := &fakeRefundStore{total: 50000, refunded: 25000, paid: true}
	c := coordinator(store, &fakeRefundGateway{ref: "re_2"})

	r, err := c.Request(context.Background(), "order-1", 25000, "", orders.Actor{})
	require.NoError(t, err)
	assert.Equal(t, 25000, r.AmountCents)
}

func TestRequestRefundRequiresCapture(t *testing.T) {
	store := &fakeRefundStore{total: 50000, paid: false}
	c := coordinator(store, &fakeRefundGateway{})

	_, err := c.Request(context.Background(), "order-1", 1000, "", orders.Actor{})
	assert.ErrorContains(t, err, "not captured")
}

func TestRequestRefundRejectsNonPositiveAmount(t *testing.T) {
	c := coordinator(&fakeRefundStore{total: 1000, paid: true}, &fakeRefundGateway{})
	_, err := c.Request(context.Background(), "order-1", 0, "", orders.Actor{})
	assert.Error(t, err)
	_, err = c.Request(context.Background(), "order-1", -5, "", orders.Actor{})
	assert.Error(t, err)
}

func TestRequestRefundGatewayFailureMarksRow(t *testing.T) {
	store := &fakeRefundStore{total: 50000, paid: true}
	c := coordinator(store, &fakeRefundGateway{err: errors.New("gateway 503")})

	_, err := c.Request(context.Background(), "order-1", 10000, "", orders.Actor{})
	assert.Error(t, err)
	require.NotNil(t, store.inserted)
	assert.Contains(t, store.failedMsg, "503")
	assert.Empty(t, store.submitted)
}
