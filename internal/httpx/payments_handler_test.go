package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakbaymarket/orders/internal/orders"
	"github.com/lakbaymarket/orders/internal/payments"
)

type okVerifier struct{}

func (okVerifier) VerifySignature([]byte, string) bool { return true }

type rejectVerifier struct{}

func (rejectVerifier) VerifySignature([]byte, string) bool { return false }

// webhookStore is the minimal reconciler persistence for handler tests.
type webhookStore struct {
	events     map[string]orders.WebhookEventStatus
	captures   []string
	captureErr error
}

func newWebhookStore() *webhookStore {
	return &webhookStore{events: map[string]orders.WebhookEventStatus{}}
}

func (f *webhookStore) RecordEvent(_ context.Context, id, _ string, _ []byte) (bool, error) {
	if _, seen := f.events[id]; seen {
		return false, nil
	}
	f.events[id] = orders.WebhookPending
	return true, nil
}

func (f *webhookStore) EventStatus(_ context.Context, id string) (orders.WebhookEventStatus, error) {
	st, ok := f.events[id]
	if !ok {
		return "", orders.ErrNotFound
	}
	return st, nil
}

func (f *webhookStore) MarkEventProcessed(_ context.Context, id, _ string) error {
	f.events[id] = orders.WebhookProcessed
	return nil
}

func (f *webhookStore) MarkEventFailed(_ context.Context, id, _ string) error {
	f.events[id] = orders.WebhookFailed
	return nil
}

func (f *webhookStore) OrderIDByIntent(context.Context, string) (string, error) {
	return "order-1", nil
}

func (f *webhookStore) CaptureOrderPayment(_ context.Context, orderID, eventID string) error {
	if f.captureErr != nil {
		return f.captureErr
	}
	f.captures = append(f.captures, orderID)
	f.events[eventID] = orders.WebhookProcessed
	return nil
}

func (f *webhookStore) FailOrderPayment(_ context.Context, _, eventID, _ string) error {
	f.events[eventID] = orders.WebhookProcessed
	return nil
}

func (f *webhookStore) ResolveRefund(_ context.Context, _ string, _ bool, eventID string) error {
	f.events[eventID] = orders.WebhookProcessed
	return nil
}

func postWebhook(t *testing.T, store *webhookStore, v payments.Verifier, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter()
	h := &PaymentsHandler{Reconciler: &payments.Reconciler{Verifier: v, Store: store}}
	h.Register(router)

	req := httptest.NewRequest(http.MethodPost, "/payment/webhook", bytes.NewReader(body))
	req.Header.Set("X-Gateway-Signature", "sig")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func webhookBody(id, typ string) []byte {
	b, _ := json.Marshal(map[string]any{
		"id": id, "type": typ,
		"data": map[string]string{"intent_ref": "pi_1"},
	})
	return b
}

func TestWebhookAppliedReturns200(t *testing.T) {
	store := newWebhookStore()
	rec := postWebhook(t, store, okVerifier{}, webhookBody("evt_1", payments.GwPaymentSucceeded))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "applied", resp["outcome"])
	assert.Equal(t, []string{"order-1"}, store.captures)
}

func TestWebhookBadSignatureReturns400(t *testing.T) {
	store := newWebhookStore()
	rec := postWebhook(t, store, rejectVerifier{}, webhookBody("evt_1", payments.GwPaymentSucceeded))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, store.events)
}

// A transient store error during capture must come back 5xx with the
// event still pending, so the gateway redelivers instead of giving up
// on a payment we never applied.
func TestWebhookTransientCaptureErrorReturns500(t *testing.T) {
	store := newWebhookStore()
	store.captureErr = errors.New("read tcp: connection reset by peer")
	body := webhookBody("evt_2", payments.GwPaymentSucceeded)

	rec := postWebhook(t, store, okVerifier{}, body)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, orders.WebhookPending, store.events["evt_2"])

	// redelivery with healthy persistence applies the capture
	store.captureErr = nil
	rec = postWebhook(t, store, okVerifier{}, body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"order-1"}, store.captures)
}
