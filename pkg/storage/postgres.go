package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"throttled-queue/pkg/logging"
	m "throttled-queue/pkg/metrics"
	"throttled-queue/pkg/queue"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresTransport implements queue.Transport on a single table. Rows are
// claimed with FOR UPDATE SKIP LOCKED; ordering follows seq, and a requeued
// row draws a fresh seq so it lands at the tail.
type PostgresTransport struct {
	pool         *pgxpool.Pool
	owned        bool
	queue        string
	instanceID   string
	pollInterval time.Duration

	mu       sync.Mutex
	inflight *queue.Delivery
	rowID    int64
	closed   bool
}

// NewPostgresTransport creates a new connection pool for dsn.
func NewPostgresTransport(ctx context.Context, dsn, queueName, instanceID string) (*PostgresTransport, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	t := NewPostgresTransportWithPool(pool, queueName, instanceID)
	t.owned = true
	return t, nil
}

// NewPostgresTransportWithPool shares an existing pool. The caller owns the pool.
func NewPostgresTransportWithPool(pool *pgxpool.Pool, queueName, instanceID string) *PostgresTransport {
	return &PostgresTransport{
		pool:         pool,
		queue:        queueName,
		instanceID:   instanceID,
		pollInterval: 200 * time.Millisecond,
	}
}

// WithPollInterval sets how long Fetch waits between empty polls.
func (p *PostgresTransport) WithPollInterval(d time.Duration) *PostgresTransport {
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	p.pollInterval = d
	return p
}

func (p *PostgresTransport) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return queue.ErrClosed
	}
	return nil
}

// Declare creates the necessary database objects.
func (p *PostgresTransport) Declare(ctx context.Context) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `CREATE SEQUENCE IF NOT EXISTS queue_messages_seq`)
	if err != nil {
		return fmt.Errorf("failed to create queue_messages_seq: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS queue_messages (
			id BIGSERIAL PRIMARY KEY,
			queue_name VARCHAR(255) NOT NULL,
			body BYTEA NOT NULL,
			seq BIGINT NOT NULL DEFAULT nextval('queue_messages_seq'),
			redelivered BOOLEAN NOT NULL DEFAULT FALSE,
			locked_by VARCHAR(64),
			locked_at TIMESTAMP WITH TIME ZONE,
			enqueued_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create queue_messages table: %w", err)
	}
	_, err = p.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_queue_messages_ready ON queue_messages (queue_name, seq) WHERE locked_by IS NULL`)
	if err != nil {
		return fmt.Errorf("failed to create ready index: %w", err)
	}
	_, err = p.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_queue_messages_locked ON queue_messages (queue_name, locked_by, locked_at)`)
	if err != nil {
		return fmt.Errorf("failed to create locked index: %w", err)
	}
	return nil
}

func (p *PostgresTransport) Publish(ctx context.Context, body []byte) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO queue_messages (queue_name, body) VALUES ($1, $2)`, p.queue, body)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func (p *PostgresTransport) Fetch(ctx context.Context) (*queue.Delivery, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, queue.ErrClosed
		}
		if p.inflight != nil {
			p.mu.Unlock()
			return nil, queue.ErrPrefetchExceeded
		}
		p.mu.Unlock()

		var (
			id          int64
			body        []byte
			redelivered bool
		)
		err := p.pool.QueryRow(ctx, `
			UPDATE queue_messages
			SET locked_by = $2, locked_at = NOW()
			WHERE id = (
				SELECT id FROM queue_messages
				WHERE queue_name = $1 AND locked_by IS NULL
				ORDER BY seq
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING id, body, redelivered
		`, p.queue, p.instanceID).Scan(&id, &body, &redelivered)
		if errors.Is(err, pgx.ErrNoRows) {
			t := time.NewTimer(p.pollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to fetch: %w", err)
		}

		d := &queue.Delivery{
			ID:          fmt.Sprintf("%d", id),
			Queue:       p.queue,
			Body:        body,
			Status:      queue.StatusRunning,
			Redelivered: redelivered,
			ReceivedAt:  time.Now(),
		}
		p.mu.Lock()
		p.inflight = d
		p.rowID = id
		p.mu.Unlock()
		return d, nil
	}
}

func (p *PostgresTransport) take(d *queue.Delivery) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, queue.ErrClosed
	}
	if d == nil || p.inflight == nil || p.inflight.ID != d.ID {
		return 0, queue.ErrUnknownDelivery
	}
	id := p.rowID
	p.inflight = nil
	p.rowID = 0
	return id, nil
}

func (p *PostgresTransport) Ack(ctx context.Context, d *queue.Delivery) error {
	id, err := p.take(d)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM queue_messages WHERE id = $1 AND locked_by = $2`, id, p.instanceID)
	if err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	// lock lost to RecoverOrphans: the row is back in the queue
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ack row %d: lock expired: %w", id, queue.ErrUnknownDelivery)
	}
	d.Status = queue.StatusCompleted
	return nil
}

const requeueSet = `SET seq = nextval('queue_messages_seq'), redelivered = TRUE, locked_by = NULL, locked_at = NULL`

func (p *PostgresTransport) Nack(ctx context.Context, d *queue.Delivery) error {
	id, err := p.take(d)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `UPDATE queue_messages `+requeueSet+` WHERE id = $1 AND locked_by = $2`, id, p.instanceID); err != nil {
		return fmt.Errorf("failed to nack: %w", err)
	}
	d.Status = queue.StatusRequeued
	return nil
}

func (p *PostgresTransport) NackAll(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return queue.ErrClosed
	}
	if p.inflight != nil {
		p.inflight.Status = queue.StatusRequeued
	}
	p.inflight = nil
	p.rowID = 0
	p.mu.Unlock()
	return p.requeueOwned(ctx)
}

func (p *PostgresTransport) requeueOwned(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `UPDATE queue_messages `+requeueSet+` WHERE queue_name = $1 AND locked_by = $2`, p.queue, p.instanceID); err != nil {
		return fmt.Errorf("failed to nack all: %w", err)
	}
	return nil
}

// RecoverOrphans unlocks rows other instances have held longer than visibility.
func (p *PostgresTransport) RecoverOrphans(ctx context.Context, visibility time.Duration) (int, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}
	tag, err := p.pool.Exec(ctx, `UPDATE queue_messages `+requeueSet+`
		WHERE queue_name = $1 AND locked_by IS NOT NULL AND locked_by <> $2 AND locked_at < $3`,
		p.queue, p.instanceID, time.Now().Add(-visibility))
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphans: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		logging.L().Info("requeued orphaned deliveries", zap.String("queue", p.queue), zap.Int("count", n))
		m.OrphansRecoveredTotal.WithLabelValues(p.queue).Add(float64(n))
	}
	return n, nil
}

func (p *PostgresTransport) Depth(ctx context.Context) (int64, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_messages WHERE queue_name = $1 AND locked_by IS NULL`, p.queue).Scan(&n)
	return n, err
}

func (p *PostgresTransport) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return queue.ErrClosed
	}
	p.closed = true
	p.inflight = nil
	p.mu.Unlock()

	err := p.requeueOwned(ctx)
	if p.owned {
		p.pool.Close()
	}
	return err
}
