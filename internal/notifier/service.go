package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/lakbaymarket/orders/internal/kafka"
	"github.com/lakbaymarket/orders/internal/orders"
	"github.com/lakbaymarket/orders/internal/redisx"
)

// Dispatcher hands a decoded notification to a delivery transport.
// Transport mechanics (push/email/SMS) belong to a collaborator; the
// default just logs the dispatch.
type Dispatcher interface {
	Notify(ctx context.Context, userID, eventType string, payload json.RawMessage) error
}

type LogDispatcher struct{}

func (LogDispatcher) Notify(_ context.Context, userID, eventType string, _ json.RawMessage) error {
	log.Printf("notify: user=%s type=%s", userID, eventType)
	return nil
}

// Service consumes the order notification stream. Outbox delivery is
// at-least-once, so each event id is deduped in Redis before dispatch.
type Service struct {
	Redis       *redis.Client
	Dispatcher  Dispatcher
	ServiceName string
}

func (s *Service) HandleNotification(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		return err
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	exists, _ := redisx.Exists(ctx, s.Redis, dkey)
	if exists {
		return nil
	}

	userID := userIDFrom(env)
	if userID == "" {
		log.Printf("notifier: event %s (%s) has no user, skipping", env.EventID, env.EventType)
	} else if err := s.Dispatcher.Notify(ctx, userID, env.EventType, env.Payload); err != nil {
		// delivery failures are the collaborator's problem; never redeliver
		// the whole stream over one of them
		log.Printf("notifier: dispatch %s to user=%s: %v", env.EventType, userID, err)
	}

	_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	return nil
}

type userRef struct {
	UserID string `json:"user_id"`
}

func userIDFrom(env orders.Envelope) string {
	p, err := kafkax.UnwrapPayload[userRef](env.Payload)
	if err != nil {
		return ""
	}
	return p.UserID
}
