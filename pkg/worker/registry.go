package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	m "throttled-queue/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// Registry publishes a heartbeat for one running instance so operators can
// list instances sharing a queue and so transports can tell dead owners
// apart from live ones. It plays no part in rate enforcement.
type Registry struct {
	client   *redis.Client
	owned    bool
	id       string
	role     string
	queue    string
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRegistry(client *redis.Client, id, role, queueName string) *Registry {
	return &Registry{client: client, id: id, role: role, queue: queueName, interval: 5 * time.Second}
}

// NewRegistryFromAddress creates and owns a client for addr.
func NewRegistryFromAddress(addr, id, role, queueName string) *Registry {
	r := NewRegistry(redis.NewClient(&redis.Options{Addr: addr}), id, role, queueName)
	r.owned = true
	return r
}

// SetInterval changes the heartbeat period. Keys expire after three periods.
func (r *Registry) SetInterval(d time.Duration) {
	if d > 0 {
		r.interval = d
	}
}

func instanceKey(id string) string { return fmt.Sprintf("instance:%s", id) }

func (r *Registry) beat(ctx context.Context, startedAt int64) error {
	host, _ := os.Hostname()
	data := map[string]interface{}{
		"id":         r.id,
		"role":       r.role,
		"queue":      r.queue,
		"hostname":   host,
		"started_at": startedAt,
		"last_seen":  time.Now().Unix(),
	}
	key := instanceKey(r.id)
	if err := r.client.HSet(ctx, key, data).Err(); err != nil {
		return err
	}
	if err := r.client.Expire(ctx, key, 3*r.interval).Err(); err != nil {
		return err
	}
	m.InstanceHeartbeatsTotal.Inc()
	return nil
}

// Start sends a first heartbeat synchronously and keeps beating until ctx
// ends or Deregister is called.
func (r *Registry) Start(ctx context.Context) error {
	startedAt := time.Now().Unix()
	if err := r.beat(ctx, startedAt); err != nil {
		return fmt.Errorf("registry heartbeat: %w", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel, r.done = cancel, done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = r.beat(loopCtx, startedAt)
			}
		}
	}()
	return nil
}

// Deregister stops the heartbeat and removes the instance key.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	err := r.client.Del(ctx, instanceKey(r.id)).Err()
	if r.owned {
		err = errors.Join(err, r.client.Close())
	}
	return err
}

// Alive reports whether the instance still has a live heartbeat key.
func (r *Registry) Alive(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, instanceKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns the heartbeat records of all live instances.
func (r *Registry) List(ctx context.Context) ([]map[string]string, error) {
	instances := []map[string]string{}
	iter := r.client.Scan(ctx, 0, "instance:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.client.HGetAll(ctx, key).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		if _, ok := data["id"]; !ok {
			data["id"] = strings.TrimPrefix(key, "instance:")
		}
		instances = append(instances, data)
	}
	return instances, iter.Err()
}
