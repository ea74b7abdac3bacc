package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"throttled-queue/pkg/queue"
)

// MemoryBroker keeps named queues in process memory. Sessions created from
// the same broker share its queues, which lets tests and the demo run several
// consumer instances against one queue.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
}

type memoryQueue struct {
	ready []memoryMessage
	held  map[string]memoryMessage // delivery ID -> message
	// signal is closed and replaced whenever a message becomes ready.
	signal chan struct{}
}

type memoryMessage struct {
	body        []byte
	redelivered bool
	holder      string
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]*memoryQueue)}
}

// getQueue is the internal helper that doesn't lock (caller must hold lock)
func (b *MemoryBroker) getQueue(name string) *memoryQueue {
	if q, exists := b.queues[name]; exists {
		return q
	}
	q := &memoryQueue{
		ready:  make([]memoryMessage, 0),
		held:   make(map[string]memoryMessage),
		signal: make(chan struct{}),
	}
	b.queues[name] = q
	return q
}

func (q *memoryQueue) push(msg memoryMessage) {
	msg.holder = ""
	q.ready = append(q.ready, msg)
	close(q.signal)
	q.signal = make(chan struct{})
}

// Ready returns the number of messages waiting in the named queue.
func (b *MemoryBroker) Ready(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.getQueue(queueName).ready)
}

// Unacked returns the number of deliveries handed out and not yet settled.
func (b *MemoryBroker) Unacked(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.getQueue(queueName).held)
}

// NewSession opens a session on queueName owned by instanceID.
func (b *MemoryBroker) NewSession(queueName, instanceID string) *MemorySession {
	return &MemorySession{broker: b, queue: queueName, instanceID: instanceID}
}

// MemorySession implements queue.Transport on a MemoryBroker. Closing a
// session hands its unacknowledged delivery back to the queue, as a broker
// does when a channel goes away.
type MemorySession struct {
	broker     *MemoryBroker
	queue      string
	instanceID string

	// guarded by broker.mu
	inflight *queue.Delivery
	seq      uint64
	closed   bool
}

func (s *MemorySession) Declare(ctx context.Context) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed {
		return queue.ErrClosed
	}
	s.broker.getQueue(s.queue)
	return nil
}

func (s *MemorySession) Publish(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed {
		return queue.ErrClosed
	}
	s.broker.getQueue(s.queue).push(memoryMessage{body: append([]byte(nil), body...)})
	return nil
}

func (s *MemorySession) Fetch(ctx context.Context) (*queue.Delivery, error) {
	for {
		s.broker.mu.Lock()
		if s.closed {
			s.broker.mu.Unlock()
			return nil, queue.ErrClosed
		}
		if s.inflight != nil {
			s.broker.mu.Unlock()
			return nil, queue.ErrPrefetchExceeded
		}
		q := s.broker.getQueue(s.queue)
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			s.seq++
			id := fmt.Sprintf("%s-%d", s.instanceID, s.seq)
			msg.holder = s.instanceID
			q.held[id] = msg
			d := &queue.Delivery{
				ID:          id,
				Queue:       s.queue,
				Body:        msg.body,
				Status:      queue.StatusRunning,
				Redelivered: msg.redelivered,
				ReceivedAt:  time.Now(),
			}
			s.inflight = d
			s.broker.mu.Unlock()
			return d, nil
		}
		signal := q.signal
		s.broker.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		}
	}
}

// settle removes d from the session; caller must hold broker.mu.
func (s *MemorySession) settle(d *queue.Delivery) (memoryMessage, *memoryQueue, error) {
	if s.closed {
		return memoryMessage{}, nil, queue.ErrClosed
	}
	if d == nil || s.inflight == nil || s.inflight.ID != d.ID {
		return memoryMessage{}, nil, queue.ErrUnknownDelivery
	}
	q := s.broker.getQueue(s.queue)
	msg, ok := q.held[d.ID]
	if !ok {
		return memoryMessage{}, nil, queue.ErrUnknownDelivery
	}
	delete(q.held, d.ID)
	s.inflight = nil
	return msg, q, nil
}

func (s *MemorySession) Ack(ctx context.Context, d *queue.Delivery) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if _, _, err := s.settle(d); err != nil {
		return err
	}
	d.Status = queue.StatusCompleted
	return nil
}

func (s *MemorySession) Nack(ctx context.Context, d *queue.Delivery) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	msg, q, err := s.settle(d)
	if err != nil {
		return err
	}
	msg.redelivered = true
	q.push(msg)
	d.Status = queue.StatusRequeued
	return nil
}

func (s *MemorySession) NackAll(ctx context.Context) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed {
		return queue.ErrClosed
	}
	s.requeueHeld()
	return nil
}

// requeueHeld is the internal helper that doesn't lock (caller must hold lock)
func (s *MemorySession) requeueHeld() {
	q := s.broker.getQueue(s.queue)
	for id, msg := range q.held {
		if msg.holder != s.instanceID {
			continue
		}
		delete(q.held, id)
		msg.redelivered = true
		q.push(msg)
	}
	if s.inflight != nil {
		s.inflight.Status = queue.StatusRequeued
		s.inflight = nil
	}
}

func (s *MemorySession) Depth(ctx context.Context) (int64, error) {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed {
		return 0, queue.ErrClosed
	}
	return int64(len(s.broker.getQueue(s.queue).ready)), nil
}

func (s *MemorySession) Close(ctx context.Context) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed {
		return queue.ErrClosed
	}
	s.requeueHeld()
	s.closed = true
	return nil
}
