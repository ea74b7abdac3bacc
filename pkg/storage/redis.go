package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"throttled-queue/pkg/logging"
	m "throttled-queue/pkg/metrics"
	"throttled-queue/pkg/queue"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LivenessFunc reports whether the instance with the given id is still running.
type LivenessFunc func(ctx context.Context, instanceID string) (bool, error)

// RedisTransport implements queue.Transport with the reliable-list pattern:
// ready messages live in queue:<name>, and a fetched message is moved
// atomically into queue:<name>:processing:<instance> until it is settled.
type RedisTransport struct {
	client      *redis.Client
	owned       bool
	queue       string
	instanceID  string
	pollTimeout time.Duration
	alive       LivenessFunc

	mu       sync.Mutex
	inflight *queue.Delivery
	raw      string // list element of inflight
	seq      uint64
	closed   bool
}

// envelope is the list element stored in Redis.
type envelope struct {
	Body        []byte `json:"body"`
	Redelivered bool   `json:"redelivered,omitempty"`
	PublishedAt int64  `json:"published_at"`
}

func NewRedisTransport(addr, queueName, instanceID string) *RedisTransport {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	t := NewRedisTransportWithClient(rdb, queueName, instanceID)
	t.owned = true
	return t
}

// NewRedisTransportWithClient shares an existing client. The caller owns the
// client's lifecycle.
func NewRedisTransportWithClient(client *redis.Client, queueName, instanceID string) *RedisTransport {
	return &RedisTransport{
		client:      client,
		queue:       queueName,
		instanceID:  instanceID,
		pollTimeout: time.Second,
	}
}

// WithLiveness enables orphan recovery: processing lists of instances
// reported dead are moved back to the ready list.
func (r *RedisTransport) WithLiveness(fn LivenessFunc) *RedisTransport {
	r.alive = fn
	return r
}

// WithPollTimeout bounds a single blocking fetch round-trip.
func (r *RedisTransport) WithPollTimeout(d time.Duration) *RedisTransport {
	if d > 0 {
		r.pollTimeout = d
	}
	return r
}

func (r *RedisTransport) Client() *redis.Client { return r.client }

func (r *RedisTransport) readyKey() string { return fmt.Sprintf("queue:%s", r.queue) }

func (r *RedisTransport) processingKey(instanceID string) string {
	return fmt.Sprintf("queue:%s:processing:%s", r.queue, instanceID)
}

func (r *RedisTransport) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return queue.ErrClosed
	}
	return nil
}

func (r *RedisTransport) Declare(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	// track queue names in a Redis set for fast discovery
	return r.client.SAdd(ctx, "queues", r.queue).Err()
}

func (r *RedisTransport) Publish(ctx context.Context, body []byte) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(envelope{Body: body, PublishedAt: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.readyKey(), raw).Err()
}

func (r *RedisTransport) Fetch(ctx context.Context) (*queue.Delivery, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, queue.ErrClosed
		}
		if r.inflight != nil {
			r.mu.Unlock()
			return nil, queue.ErrPrefetchExceeded
		}
		r.mu.Unlock()

		raw, err := r.client.BLMove(ctx, r.readyKey(), r.processingKey(r.instanceID), "LEFT", "RIGHT", r.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis fetch: %w", err)
		}

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// not ours; keep the raw element as the body so it can still be settled
			env = envelope{Body: []byte(raw)}
		}

		r.mu.Lock()
		r.seq++
		d := &queue.Delivery{
			ID:          fmt.Sprintf("%s-%d", r.instanceID, r.seq),
			Queue:       r.queue,
			Body:        env.Body,
			Status:      queue.StatusRunning,
			Redelivered: env.Redelivered,
			ReceivedAt:  time.Now(),
		}
		r.inflight = d
		r.raw = raw
		r.mu.Unlock()
		return d, nil
	}
}

// take detaches d from the session and returns its list element.
func (r *RedisTransport) take(d *queue.Delivery) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", queue.ErrClosed
	}
	if d == nil || r.inflight == nil || r.inflight.ID != d.ID {
		return "", queue.ErrUnknownDelivery
	}
	raw := r.raw
	r.inflight = nil
	r.raw = ""
	return raw, nil
}

func (r *RedisTransport) Ack(ctx context.Context, d *queue.Delivery) error {
	raw, err := r.take(d)
	if err != nil {
		return err
	}
	if err := r.client.LRem(ctx, r.processingKey(r.instanceID), 1, raw).Err(); err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	d.Status = queue.StatusCompleted
	return nil
}

func (r *RedisTransport) Nack(ctx context.Context, d *queue.Delivery) error {
	raw, err := r.take(d)
	if err != nil {
		return err
	}
	if err := r.requeue(ctx, r.processingKey(r.instanceID), []string{raw}); err != nil {
		return fmt.Errorf("redis nack: %w", err)
	}
	d.Status = queue.StatusRequeued
	return nil
}

// requeue moves raw elements from a processing list to the tail of the ready
// list, marked as redelivered, in one transaction.
func (r *RedisTransport) requeue(ctx context.Context, processingKey string, raws []string) error {
	if len(raws) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range raws {
			var env envelope
			if err := json.Unmarshal([]byte(raw), &env); err != nil {
				env = envelope{Body: []byte(raw)}
			}
			env.Redelivered = true
			next, err := json.Marshal(env)
			if err != nil {
				return err
			}
			pipe.LRem(ctx, processingKey, 1, raw)
			pipe.RPush(ctx, r.readyKey(), next)
		}
		return nil
	})
	return err
}

func (r *RedisTransport) NackAll(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return queue.ErrClosed
	}
	if r.inflight != nil {
		r.inflight.Status = queue.StatusRequeued
	}
	r.inflight = nil
	r.raw = ""
	r.mu.Unlock()
	return r.requeueList(ctx, r.processingKey(r.instanceID))
}

func (r *RedisTransport) requeueList(ctx context.Context, key string) error {
	raws, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis nack all: %w", err)
	}
	return r.requeue(ctx, key, raws)
}

// RecoverOrphans requeues processing lists left behind by instances the
// liveness function reports as gone. Without a liveness function it does nothing.
func (r *RedisTransport) RecoverOrphans(ctx context.Context, _ time.Duration) (int, error) {
	if r.alive == nil {
		return 0, nil
	}
	prefix := r.processingKey("")
	recovered := 0
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		owner := strings.TrimPrefix(key, prefix)
		if owner == r.instanceID {
			continue
		}
		ok, err := r.alive(ctx, owner)
		if err != nil || ok {
			continue
		}
		raws, err := r.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return recovered, err
		}
		if err := r.requeue(ctx, key, raws); err != nil {
			return recovered, err
		}
		recovered += len(raws)
		if len(raws) > 0 {
			logging.L().Info("requeued orphaned deliveries", zap.String("queue", r.queue), zap.String("owner", owner), zap.Int("count", len(raws)))
			m.OrphansRecoveredTotal.WithLabelValues(r.queue).Add(float64(len(raws)))
		}
	}
	return recovered, iter.Err()
}

func (r *RedisTransport) Depth(ctx context.Context) (int64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	return r.client.LLen(ctx, r.readyKey()).Result()
}

// Close hands back anything still held and closes the client when the
// transport created it.
func (r *RedisTransport) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return queue.ErrClosed
	}
	r.closed = true
	r.inflight = nil
	r.raw = ""
	r.mu.Unlock()

	err := r.requeueList(ctx, r.processingKey(r.instanceID))
	if r.owned {
		err = errors.Join(err, r.client.Close())
	}
	return err
}
