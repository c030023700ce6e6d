package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/lakbaymarket/orders/internal/orders"
)

// ErrGatewayUnavailable marks retryable external failures (timeout, 5xx).
// The order is left untouched when intent creation fails with it.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

const Currency = "PHP"

// Gateway talks to the external payment provider. CreateIntent is not
// idempotent at the network layer: callers must supersede, never retry
// blindly.
type Gateway struct {
	c             *resty.Client
	webhookSecret []byte
}

func NewGateway(baseURL, apiKey, webhookSecret string, timeout time.Duration) *Gateway {
	c := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Gateway{c: c, webhookSecret: []byte(webhookSecret)}
}

type IntentResult struct {
	Ref         string    `json:"id"`
	Status      string    `json:"status"`
	CheckoutURL string    `json:"checkout_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (g *Gateway) CreateIntent(ctx context.Context, o *orders.Order, validity time.Duration, skipCheckout bool) (*IntentResult, error) {
	expires := time.Now().UTC().Add(validity)
	var out IntentResult
	resp, err := g.c.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"amount":      o.TotalCents,
			"currency":    Currency,
			"description": "order " + o.OrderNumber,
			"reference":   o.ID,
			"method":      o.PaymentMethod,
			"hosted":      !skipCheckout,
			"expires_at":  expires,
		}).
		SetResult(&out).
		Post("/v1/payment_intents")
	if err != nil {
		return nil, fmt.Errorf("create intent: %v: %w", err, ErrGatewayUnavailable)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("create intent: gateway %d: %w", resp.StatusCode(), ErrGatewayUnavailable)
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = expires
	}
	return &out, nil
}

// CreateRefund asks the gateway to refund against a captured intent. The
// returned ref is tracked until the webhook settles the terminal state.
func (g *Gateway) CreateRefund(ctx context.Context, intentRef string, amountCents int, reason string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	resp, err := g.c.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"payment_intent": intentRef,
			"amount":         amountCents,
			"currency":       Currency,
			"reason":         reason,
		}).
		SetResult(&out).
		Post("/v1/refunds")
	if err != nil {
		return "", fmt.Errorf("create refund: %v: %w", err, ErrGatewayUnavailable)
	}
	if resp.IsError() {
		return "", fmt.Errorf("create refund: gateway %d: %w", resp.StatusCode(), ErrGatewayUnavailable)
	}
	return out.ID, nil
}

// VerifySignature checks the HMAC-SHA256 of the raw body. Nothing in a
// webhook payload is trusted before this passes. Accepts the bare hex
// digest or the "sha256=<hex>" form.
func (g *Gateway) VerifySignature(rawBody []byte, signatureHeader string) bool {
	if len(g.webhookSecret) == 0 || signatureHeader == "" {
		return false
	}
	sig := strings.TrimPrefix(signatureHeader, "sha256=")
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, g.webhookSecret)
	mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), want)
}

// SignPayload produces the signature header value for a body. Used by
// tests and the local gateway stub.
func (g *Gateway) SignPayload(rawBody []byte) string {
	mac := hmac.New(sha256.New, g.webhookSecret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
