package redisx

import "time"

const (
	// Cache order status: order_status:{order_id} -> {"status":"...","payment_status":"..."}
	KeyOrderStatus = "order_status:%s"

	// Webhook fast-path dedup: webhook_seen:{event_id} -> 1
	// The DB unique index on event id stays the source of truth.
	KeyWebhookSeen = "webhook_seen:%s"

	// Dedup event processing per consumer: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Failed arrival-code attempts: pickup_attempts:{order_id} -> counter
	KeyPickupAttempts = "pickup_attempts:%s"
)

var (
	TTLStatusCache    = 5 * time.Minute
	TTLWebhookSeen    = 48 * time.Hour
	TTLDedup          = 48 * time.Hour
	TTLPickupAttempts = 10 * time.Minute
)
