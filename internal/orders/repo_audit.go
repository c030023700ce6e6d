package orders

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditRepo appends lifecycle entries. Writes are best-effort: a failed
// audit insert must never roll back the transition that triggered it, so
// callers invoke Record after their commit and failures only log.
type AuditRepo struct{ DB *pgxpool.Pool }

func (a *AuditRepo) Record(ctx context.Context, orderID, eventType, oldValue, newValue string, actor Actor, metadata json.RawMessage) {
	var actorID *string
	if actor.ID != "" {
		actorID = &actor.ID
	}
	_, err := a.DB.Exec(ctx, `
		INSERT INTO audit_entries(id, order_id, event_type, old_value, new_value, actor_id, actor_role, origin, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		uuid.NewString(), orderID, eventType, oldValue, newValue, actorID, string(actor.Role), actor.Origin, metadata)
	if err != nil {
		log.Printf("audit degraded: order=%s event=%s: %v", orderID, eventType, err)
	}
}

func (a *AuditRepo) ListByOrder(ctx context.Context, orderID string) ([]AuditEntry, error) {
	rows, err := a.DB.Query(ctx, `
		SELECT id, order_id, event_type, old_value, new_value, actor_id, actor_role, origin, metadata, created_at
		FROM audit_entries WHERE order_id=$1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.EventType, &e.OldValue, &e.NewValue, &e.ActorID, &e.ActorRole, &e.Origin, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
