package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakbaymarket/orders/internal/orders"
)

type passVerifier struct{ ok bool }

func (v passVerifier) VerifySignature([]byte, string) bool { return v.ok }

type fakeLifecycleStore struct {
	events        map[string]orders.WebhookEventStatus
	notes         map[string]string
	failDetails   map[string]string
	orderByIntent map[string]string

	captures []string // order ids captured
	failures []string
	refunds  []string // gateway refund refs resolved

	captureErr error
	refundErr  error
}

func newFakeStore() *fakeLifecycleStore {
	return &fakeLifecycleStore{
		events:        map[string]orders.WebhookEventStatus{},
		notes:         map[string]string{},
		failDetails:   map[string]string{},
		orderByIntent: map[string]string{"pi_1": "order-1"},
	}
}

func (f *fakeLifecycleStore) RecordEvent(_ context.Context, id, _ string, _ []byte) (bool, error) {
	if _, seen := f.events[id]; seen {
		return false, nil
	}
	f.events[id] = orders.WebhookPending
	return true, nil
}

func (f *fakeLifecycleStore) EventStatus(_ context.Context, id string) (orders.WebhookEventStatus, error) {
	st, ok := f.events[id]
	if !ok {
		return "", orders.ErrNotFound
	}
	return st, nil
}

func (f *fakeLifecycleStore) MarkEventProcessed(_ context.Context, id, note string) error {
	f.events[id] = orders.WebhookProcessed
	f.notes[id] = note
	return nil
}

func (f *fakeLifecycleStore) MarkEventFailed(_ context.Context, id, detail string) error {
	f.events[id] = orders.WebhookFailed
	f.failDetails[id] = detail
	return nil
}

func (f *fakeLifecycleStore) OrderIDByIntent(_ context.Context, ref string) (string, error) {
	id, ok := f.orderByIntent[ref]
	if !ok {
		return "", orders.ErrNotFound
	}
	return id, nil
}

func (f *fakeLifecycleStore) CaptureOrderPayment(_ context.Context, orderID, eventID string) error {
	if f.captureErr != nil {
		return f.captureErr
	}
	f.captures = append(f.captures, orderID)
	f.events[eventID] = orders.WebhookProcessed
	return nil
}

func (f *fakeLifecycleStore) FailOrderPayment(_ context.Context, orderID, eventID, _ string) error {
	f.failures = append(f.failures, orderID)
	f.events[eventID] = orders.WebhookProcessed
	return nil
}

func (f *fakeLifecycleStore) ResolveRefund(_ context.Context, ref string, _ bool, eventID string) error {
	if f.refundErr != nil {
		return f.refundErr
	}
	f.refunds = append(f.refunds, ref)
	f.events[eventID] = orders.WebhookProcessed
	return nil
}

func eventBody(id, typ string, data map[string]string) []byte {
	b, _ := json.Marshal(map[string]any{"id": id, "type": typ, "data": data})
	return b
}

func TestHandleRejectsBadSignature(t *testing.T) {
	store := newFakeStore()
	rc := &Reconciler{Verifier: passVerifier{ok: false}, Store: store}

	_, err := rc.Handle(context.Background(), eventBody("evt_1", GwPaymentSucceeded, nil), "bogus")
	assert.ErrorIs(t, err, ErrBadSignature)
	assert.Empty(t, store.events, "no state may be touched before the signature passes")
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	rc := &Reconciler{Verifier: passVerifier{ok: true}, Store: newFakeStore()}
	_, err := rc.Handle(context.Background(), []byte("{not json"), "sig")
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = rc.Handle(context.Background(), []byte(`{"type":"payment.succeeded"}`), "sig")
	assert.ErrorIs(t, err, ErrMalformedPayload, "missing event id")
}

func TestHandleCapturesPayment(t *testing.T) {
	store := newFakeStore()
	rc := &Reconciler{Verifier: passVerifier{ok: true}, Store: store}

	out, err := rc.Handle(context.Background(),
		eventBody("evt_1", GwPaymentSucceeded, map[string]string{"intent_ref": "pi_1"}), "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Kind)
	assert.Equal(t, []string{"order-1"}, store.captures)
	assert.Equal(t, orders.WebhookProcessed, store.events["evt_1"])
}

// Duplicate delivery of the same event id applies the transition once.
func TestHandleDuplicateDeliveryIsNoOp(t *testing.T) {
	store := newFakeStore()
	rc := &Reconciler{Verifier: passVerifier{ok: true}, Store: store}
	body := eventBody("evt_1", GwPaymentSucceeded, map[string]string{"intent_ref": "pi_1"})

	out1, err := rc.Handle(context.Background(), body, "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out1.Kind)

	out2, err := rc.Handle(context.Background(), body, "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out2.Kind)
	assert.Len(t, store.captures, 1, "capture must be applied exactly once")
}

// A "succeeded" arriving after the order was independently cancelled is a
// benign race: consumed, logged, not raised.
func TestHandleBenignRace(t *testing.T) {
	store := newFakeStore()
	store.captureErr = fmt.Errorf("capture on CANCELLED_BY_USER: %w", orders.ErrStaleTransition)
	rc := &Reconciler{Verifier: passVerifier{ok: true}, Store: store}

	out, err := rc.Handle(context.Background(),
		eventBody("evt_9", GwPaymentSucceeded, map[string]string{"intent_ref": "pi_1"}), "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, out.Kind)
	assert.Equal(t, orders.WebhookProcessed, store.events["evt_9"])
	assert.Contains(t, store.notes["evt_9"], "benign race")
}

func TestHandlePaymentFailedReleases(t *testing.T) {
	store := newFakeStore()
	rc := &Reconciler{Verifier: passVerifier{ok: true}, Store: store}

	out, err := rc.Handle(context.Background(),
		eventBody("evt_2", GwPaymentFailed, map[string]string{"intent_ref": "pi_1", "reason": "card declined"}), "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Kind)
	assert.Equal(t, []string{"order-1"}, store.failures)
}

func TestHandleUnknownOrderRecordedAsFailed(t *testing.T) {
	store := newFakeStore()
	rc := &Reconciler{Verifier: passVerifier{ok: true}, Store: store}

	out, err := rc.Handle(context.Background(),
		eventBody("evt_3", GwPaymentSucceeded, map[string]string{"intent_ref": "pi_missing"}), "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, orders.WebhookFailed, store.events["evt_3"])
	assert.Contains(t, store.failDetails["evt_3"], "pi_missing")
}

func TestHandleUnknownEventTypeConsumedLoudly(t *testing.T) {
	store := newFakeStore()
	rc := &Reconciler{Verifier: passVerifier{ok: true}, Store: store}

	out, err := rc.Handle(context.Background(),
		eventBody("evt_4", "customer.updated", nil), "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, out.Kind)
	assert.Equal(t, orders.WebhookProcessed, store.events["evt_4"])
	assert.Contains(t, store.notes["evt_4"], "unknown event type")
}

func TestHandleRefundEvents(t *testing.T) {
	store := newFakeStore()
	rc := &Reconciler{Verifier: passVerifier{ok: true}, Store: store}

	out, err := rc.Handle(context.Background(),
		eventBody("evt_5", GwRefundSucceeded, map[string]string{"refund_ref": "re_1"}), "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Kind)
	assert.Equal(t, []string{"re_1"}, store.refunds)

	store.refundErr = orders.ErrNotFound
	out, err = rc.Handle(context.Background(),
		eventBody("evt_6", GwRefundFailed, map[string]string{"refund_ref": "re_missing"}), "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
}

// A transient store error must not consume the event: the error bubbles
// up, the event stays pending, and the gateway's redelivery applies it.
func TestHandleReappliesAfterEarlierFailure(t *testing.T) {
	store := newFakeStore()
	rc := &Reconciler{Verifier: passVerifier{ok: true}, Store: store}
	body := eventBody("evt_7", GwPaymentSucceeded, map[string]string{"intent_ref": "pi_1"})

	store.captureErr = errors.New("read tcp: connection reset by peer")
	_, err := rc.Handle(context.Background(), body, "sig")
	require.Error(t, err)
	assert.Equal(t, orders.WebhookPending, store.events["evt_7"],
		"a transient error must leave the event pending, not failed")

	// gateway redelivers; this time persistence is healthy
	store.captureErr = nil
	out, err := rc.Handle(context.Background(), body, "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Kind)
	assert.Equal(t, []string{"order-1"}, store.captures)
}

func TestHandleTransientRefundErrorPropagates(t *testing.T) {
	store := newFakeStore()
	store.refundErr = errors.New("db down")
	rc := &Reconciler{Verifier: passVerifier{ok: true}, Store: store}

	_, err := rc.Handle(context.Background(),
		eventBody("evt_8", GwRefundSucceeded, map[string]string{"refund_ref": "re_1"}), "sig")
	require.Error(t, err)
	assert.Equal(t, orders.WebhookPending, store.events["evt_8"])
}
