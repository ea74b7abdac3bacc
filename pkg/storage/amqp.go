package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"throttled-queue/pkg/queue"

	amqp "github.com/rabbitmq/amqp091-go"
)

const redeliveredHeader = "x-redelivered"

// AMQPTransport implements queue.Transport on one AMQP connection and channel.
// The channel prefetch is 1, so the broker itself never pushes a second
// delivery before the first one is settled.
type AMQPTransport struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	queue      string
	instanceID string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	inflight   *queue.Delivery
	native     amqp.Delivery
	closed     bool
}

// NewAMQPTransport dials addr and opens a channel with prefetch 1.
func NewAMQPTransport(addr, queueName, instanceID string) (*AMQPTransport, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(instanceID)
	conn, err := amqp.DialConfig(addr, amqp.Config{Properties: props})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp prefetch: %w", err)
	}
	return &AMQPTransport{conn: conn, ch: ch, queue: queueName, instanceID: instanceID}, nil
}

func (a *AMQPTransport) checkOpen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return queue.ErrClosed
	}
	return nil
}

func (a *AMQPTransport) Declare(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if _, err := a.ch.QueueDeclare(a.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp declare %s: %w", a.queue, err)
	}
	return nil
}

func (a *AMQPTransport) publish(ctx context.Context, body []byte, redelivered bool) error {
	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if redelivered {
		msg.Headers = amqp.Table{redeliveredHeader: true}
	}
	return a.ch.PublishWithContext(ctx, "", a.queue, false, false, msg)
}

func (a *AMQPTransport) Publish(ctx context.Context, body []byte) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if err := a.publish(ctx, body, false); err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (a *AMQPTransport) Fetch(ctx context.Context) (*queue.Delivery, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, queue.ErrClosed
	}
	if a.inflight != nil {
		a.mu.Unlock()
		return nil, queue.ErrPrefetchExceeded
	}
	if a.deliveries == nil {
		deliveries, err := a.ch.Consume(a.queue, a.instanceID, false, false, false, false, nil)
		if err != nil {
			a.mu.Unlock()
			return nil, fmt.Errorf("amqp consume: %w", err)
		}
		a.deliveries = deliveries
	}
	deliveries := a.deliveries
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case nd, ok := <-deliveries:
		if !ok {
			// the channel or connection went away; this session cannot recover
			a.mu.Lock()
			a.deliveries = nil
			a.mu.Unlock()
			return nil, fmt.Errorf("amqp delivery channel closed: %w", queue.ErrClosed)
		}
		redelivered := nd.Redelivered
		if v, ok := nd.Headers[redeliveredHeader].(bool); ok && v {
			redelivered = true
		}
		d := &queue.Delivery{
			ID:          fmt.Sprintf("%d", nd.DeliveryTag),
			Queue:       a.queue,
			Body:        nd.Body,
			Status:      queue.StatusRunning,
			Redelivered: redelivered,
			ReceivedAt:  time.Now(),
		}
		a.mu.Lock()
		a.inflight = d
		a.native = nd
		a.mu.Unlock()
		return d, nil
	}
}

func (a *AMQPTransport) take(d *queue.Delivery) (amqp.Delivery, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return amqp.Delivery{}, queue.ErrClosed
	}
	if d == nil || a.inflight == nil || a.inflight.ID != d.ID {
		return amqp.Delivery{}, queue.ErrUnknownDelivery
	}
	nd := a.native
	a.inflight = nil
	a.native = amqp.Delivery{}
	return nd, nil
}

func (a *AMQPTransport) Ack(ctx context.Context, d *queue.Delivery) error {
	nd, err := a.take(d)
	if err != nil {
		return err
	}
	if err := nd.Ack(false); err != nil {
		return fmt.Errorf("amqp ack: %w", err)
	}
	d.Status = queue.StatusCompleted
	return nil
}

// Nack republishes the body to the tail of the queue and then acks the
// received message. A broker-side requeue would put the message back near its old
// position instead.
func (a *AMQPTransport) Nack(ctx context.Context, d *queue.Delivery) error {
	nd, err := a.take(d)
	if err != nil {
		return err
	}
	if err := a.publish(ctx, nd.Body, true); err != nil {
		// fall back to the broker requeue so the item is not lost
		if nerr := nd.Nack(false, true); nerr != nil {
			return fmt.Errorf("amqp nack: %w", errors.Join(err, nerr))
		}
		d.Status = queue.StatusRequeued
		return nil
	}
	if err := nd.Ack(false); err != nil {
		return fmt.Errorf("amqp nack ack received: %w", err)
	}
	d.Status = queue.StatusRequeued
	return nil
}

// NackAll stops the consumer so nothing new arrives, then negatively
// acknowledges every outstanding delivery on the channel with requeue.
func (a *AMQPTransport) NackAll(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return queue.ErrClosed
	}
	consuming := a.deliveries != nil
	a.deliveries = nil
	if a.inflight != nil {
		a.inflight.Status = queue.StatusRequeued
	}
	a.inflight = nil
	a.native = amqp.Delivery{}
	a.mu.Unlock()

	var errs []error
	if consuming {
		if err := a.ch.Cancel(a.instanceID, false); err != nil {
			errs = append(errs, fmt.Errorf("amqp cancel: %w", err))
		}
	}
	if err := a.ch.Nack(0, true, true); err != nil {
		errs = append(errs, fmt.Errorf("amqp nack all: %w", err))
	}
	return errors.Join(errs...)
}

func (a *AMQPTransport) Depth(ctx context.Context) (int64, error) {
	if err := a.checkOpen(); err != nil {
		return 0, err
	}
	q, err := a.ch.QueueDeclarePassive(a.queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("amqp inspect %s: %w", a.queue, err)
	}
	return int64(q.Messages), nil
}

// Close closes the channel, then the connection. Unacked deliveries go back
// to the queue when the channel closes.
func (a *AMQPTransport) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return queue.ErrClosed
	}
	a.closed = true
	a.inflight = nil
	a.mu.Unlock()

	var errs []error
	if err := a.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("amqp channel close: %w", err))
	}
	if err := a.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("amqp connection close: %w", err))
	}
	return errors.Join(errs...)
}
