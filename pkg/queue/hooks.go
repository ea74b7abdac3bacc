package queue

import "context"

// LifecycleHooks allows users to receive callbacks on key delivery transitions.
// Implementations should be fast and non-blocking. Errors should be handled internally.
type LifecycleHooks interface {
	OnPublish(ctx context.Context, d *Delivery)
	OnAck(ctx context.Context, d *Delivery)
	OnRequeue(ctx context.Context, d *Delivery, reason string)
}

// NoopHooks is the default hook implementation that does nothing.
type NoopHooks struct{}

func (NoopHooks) OnPublish(ctx context.Context, d *Delivery)                {}
func (NoopHooks) OnAck(ctx context.Context, d *Delivery)                    {}
func (NoopHooks) OnRequeue(ctx context.Context, d *Delivery, reason string) {}

// MultiHooks fans out events to multiple hook implementations.
type MultiHooks []LifecycleHooks

func (m MultiHooks) OnPublish(ctx context.Context, d *Delivery) {
	for _, h := range m {
		if h != nil {
			h.OnPublish(ctx, d)
		}
	}
}
func (m MultiHooks) OnAck(ctx context.Context, d *Delivery) {
	for _, h := range m {
		if h != nil {
			h.OnAck(ctx, d)
		}
	}
}
func (m MultiHooks) OnRequeue(ctx context.Context, d *Delivery, reason string) {
	for _, h := range m {
		if h != nil {
			h.OnRequeue(ctx, d, reason)
		}
	}
}
