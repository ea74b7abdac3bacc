package storage

import (
	"context"
	"fmt"

	"throttled-queue/pkg/config"
	"throttled-queue/pkg/queue"
)

// processBroker backs the memory transport when it is selected from
// configuration: producer and consumer then only share a queue when they
// run in the same process.
var processBroker = NewMemoryBroker()

type openOptions struct {
	liveness LivenessFunc
}

// Option customizes Open.
type Option func(*openOptions)

// WithLiveness passes instance liveness to transports that recover orphans
// by owner (Redis).
func WithLiveness(fn LivenessFunc) Option {
	return func(o *openOptions) { o.liveness = fn }
}

// Open connects the transport selected by cfg.Transport and declares the queue.
func Open(ctx context.Context, cfg config.Common, instanceID string, opts ...Option) (queue.Transport, error) {
	o := openOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		t   queue.Transport
		err error
	)
	switch cfg.Transport {
	case config.TransportAMQP:
		t, err = NewAMQPTransport(cfg.TransportAddress(), cfg.Queue, instanceID)
	case config.TransportRedis:
		rt := NewRedisTransport(cfg.TransportAddress(), cfg.Queue, instanceID)
		if o.liveness != nil {
			rt.WithLiveness(o.liveness)
		}
		t = rt
	case config.TransportPostgres:
		t, err = NewPostgresTransport(ctx, cfg.TransportAddress(), cfg.Queue, instanceID)
	case config.TransportMemory:
		t = processBroker.NewSession(cfg.Queue, instanceID)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if err != nil {
		return nil, err
	}
	if err := t.Declare(ctx); err != nil {
		_ = t.Close(ctx)
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	return t, nil
}
