package persistence

import (
	"context"
	"database/sql"
	"time"

	q "throttled-queue/pkg/queue"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresHooks persists delivery lifecycle events into a Postgres table:
//
//	CREATE TABLE IF NOT EXISTS delivery_events (
//	  id BIGSERIAL PRIMARY KEY,
//	  item_id TEXT NOT NULL,
//	  queue TEXT NOT NULL,
//	  event TEXT NOT NULL,
//	  instance_id TEXT NOT NULL,
//	  detail TEXT,
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresHooks struct {
	DB         *sql.DB
	InstanceID string
}

func NewPostgresHooks(ctx context.Context, connString, instanceID string) (*PostgresHooks, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	// reasonable limits
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	// ensure schema exists
	if _, err := db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS delivery_events (
            id BIGSERIAL PRIMARY KEY,
            item_id TEXT NOT NULL,
            queue TEXT NOT NULL,
            event TEXT NOT NULL,
            instance_id TEXT NOT NULL,
            detail TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        );
        CREATE INDEX IF NOT EXISTS delivery_events_item_id_idx ON delivery_events(item_id);
        CREATE INDEX IF NOT EXISTS delivery_events_created_at_idx ON delivery_events(created_at);
    `); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresHooks{DB: db, InstanceID: instanceID}, nil
}

func (p *PostgresHooks) OnPublish(ctx context.Context, d *q.Delivery) {
	p.insert(ctx, d, "published", "")
}
func (p *PostgresHooks) OnAck(ctx context.Context, d *q.Delivery) {
	p.insert(ctx, d, "ack", "")
}
func (p *PostgresHooks) OnRequeue(ctx context.Context, d *q.Delivery, reason string) {
	p.insert(ctx, d, "requeue", reason)
}

// Close releases the database handle.
func (p *PostgresHooks) Close(ctx context.Context) error {
	if p == nil || p.DB == nil {
		return nil
	}
	return p.DB.Close()
}

func (p *PostgresHooks) insert(ctx context.Context, d *q.Delivery, event, detail string) {
	if p == nil || p.DB == nil {
		return
	}
	// Best-effort; ignore errors to avoid impacting queue operation.
	_, _ = p.DB.ExecContext(ctx, `
        INSERT INTO delivery_events (item_id, queue, event, instance_id, detail, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, d.ItemID(), d.Queue, event, p.InstanceID, detail, time.Now())
}
