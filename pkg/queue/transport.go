package queue

import (
	"context"
	"time"
)

// Transport is one session on a durable named queue. A session is owned by a
// single producer or consumer loop and is not safe for concurrent use from
// several loops.
//
// Consumers hold at most one unacknowledged delivery per session (prefetch 1):
// Fetch returns ErrPrefetchExceeded while a delivery is outstanding.
type Transport interface {
	// Declare makes sure the named queue exists.
	Declare(ctx context.Context) error
	// Publish appends one message to the tail of the queue.
	Publish(ctx context.Context, body []byte) error
	// Fetch blocks until a delivery is available or ctx is done.
	Fetch(ctx context.Context) (*Delivery, error)
	// Ack removes the delivery permanently.
	Ack(ctx context.Context, d *Delivery) error
	// Nack requeues the delivery at the tail of the queue for redelivery.
	Nack(ctx context.Context, d *Delivery) error
	// NackAll requeues every unacknowledged delivery held by this session.
	NackAll(ctx context.Context) error
	// Depth returns the number of messages waiting to be fetched.
	Depth(ctx context.Context) (int64, error)
	// Close releases the session. Later calls return ErrClosed.
	Close(ctx context.Context) error
}

// Recoverer is implemented by transports that can hand back deliveries held
// by instances that went away without acknowledging them.
type Recoverer interface {
	RecoverOrphans(ctx context.Context, visibility time.Duration) (int, error)
}
