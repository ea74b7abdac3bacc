package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"throttled-queue/pkg/logging"
	m "throttled-queue/pkg/metrics"

	"go.uber.org/zap"
)

// Producer emits freshly generated work items into a Transport.
type Producer struct {
	transport Transport
	queue     string
	hooks     LifecycleHooks
}

func NewProducer(t Transport, queueName string) *Producer {
	return &Producer{transport: t, queue: queueName, hooks: NoopHooks{}}
}

func (p *Producer) WithHooks(h LifecycleHooks) *Producer {
	if h == nil {
		h = NoopHooks{}
	}
	p.hooks = h
	return p
}

// DefaultQuantity draws the number of items produced when a caller does not
// ask for a specific amount: uniform in [10, 50).
func DefaultQuantity() int {
	return 10 + rand.IntN(40)
}

// Produce publishes quantity messages, one fresh identifier each, and returns
// the identifiers in publish order. On a publish error the identifiers
// published so far are returned with the error.
func (p *Producer) Produce(ctx context.Context, quantity int) ([]string, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}
	ids := make([]string, 0, quantity)
	for i := 0; i < quantity; i++ {
		id := NewItemID()
		if err := p.transport.Publish(ctx, []byte(id)); err != nil {
			logging.L().Error("publish failed", zap.Error(err), zap.String("queue", p.queue), zap.Int("published", len(ids)))
			return ids, fmt.Errorf("publish %s: %w", id, err)
		}
		ids = append(ids, id)
		m.MessagesPublishedTotal.WithLabelValues(p.queue).Inc()

		d := &Delivery{ID: id, Queue: p.queue, Body: []byte(id), Status: StatusPending, ReceivedAt: time.Now()}
		go func(d *Delivery) {
			defer func() { _ = recover() }()
			p.hooks.OnPublish(context.Background(), d)
		}(d)
	}
	if n, err := p.transport.Depth(ctx); err == nil {
		m.QueueDepth.WithLabelValues(p.queue).Set(float64(n))
	}
	logging.L().Info("produced items", zap.String("queue", p.queue), zap.Int("quantity", quantity))
	return ids, nil
}
