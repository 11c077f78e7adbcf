package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Outbox queues events in the outbox table for a relay to deliver.
type Outbox struct {
	db Execer
}

func NewOutbox(db Execer) *Outbox {
	return &Outbox{db: db}
}

func (o *Outbox) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, entity_ref, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := o.db.Exec(ctx, q, ev.Topic, ev.EntityRef, body); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}
