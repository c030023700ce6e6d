package orders

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	kafkago "github.com/segmentio/kafka-go"
)

// Notification outbox: rows are written inside the same transaction as
// the state change they announce, so a crash can never drop a
// notification nor block a transition. The relay drains them to Kafka.

type OutboxRow struct {
	ID          string
	OrderID     string
	UserID      string
	EventType   string
	Payload     json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
}

func InsertOutboxTx(ctx context.Context, tx pgx.Tx, row OutboxRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO notifications_outbox(id, order_id, user_id, event_type, payload)
		VALUES ($1,$2,$3,$4,$5)`,
		row.ID, row.OrderID, row.UserID, row.EventType, row.Payload)
	return err
}

type OutboxRepo struct{ DB *pgxpool.Pool }

func (r *OutboxRepo) FetchUnpublished(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, user_id, event_type, payload, created_at
		FROM notifications_outbox WHERE published_at IS NULL
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OutboxRow
	for rows.Next() {
		var x OutboxRow
		if err := rows.Scan(&x.ID, &x.OrderID, &x.UserID, &x.EventType, &x.Payload, &x.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

func (r *OutboxRepo) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.DB.Exec(ctx, `UPDATE notifications_outbox SET published_at=now() WHERE id = ANY($1)`, ids)
	return err
}

// Publisher matches the async Kafka producer.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Relay polls the outbox and republishes to the notification topic.
// Delivery is at-least-once; consumers dedup on event_id.
type Relay struct {
	Repo     *OutboxRepo
	Producer Publisher
	Service  string
	Interval time.Duration
}

func (rl *Relay) Run(ctx context.Context) {
	iv := rl.Interval
	if iv <= 0 {
		iv = time.Second
	}
	t := time.NewTicker(iv)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := rl.Drain(ctx); err != nil {
				log.Printf("outbox relay: %v", err)
			}
		}
	}
}

func (rl *Relay) Drain(ctx context.Context) error {
	batch, err := rl.Repo.FetchUnpublished(ctx, 100)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(batch))
	for _, row := range batch {
		ev := Envelope{
			EventID:       row.ID,
			EventType:     row.EventType,
			EventVersion:  1,
			OccurredAt:    row.CreatedAt,
			Producer:      rl.Service,
			CorrelationID: row.OrderID,
			Payload:       row.Payload,
		}
		rl.Producer.Publish(PartitionKey(row.OrderID), mustJSON(ev),
			kafkago.Header{Key: "x-event-type", Value: []byte(row.EventType)},
			kafkago.Header{Key: "x-event-version", Value: []byte("1")},
		)
		ids = append(ids, row.ID)
	}
	return rl.Repo.MarkPublished(ctx, ids)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
