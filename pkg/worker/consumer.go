package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"throttled-queue/pkg/logging"
	m "throttled-queue/pkg/metrics"
	"throttled-queue/pkg/queue"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the position of a Consumer in its fetch/process/settle cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateProcessing
	StateAcknowledging
	StateFailed
	StateRequeuing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateAcknowledging:
		return "acknowledging"
	case StateFailed:
		return "failed"
	case StateRequeuing:
		return "requeuing"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Consumer pulls deliveries one at a time from its transport session and runs
// them through a Processor. Successful items are acknowledged; failed items
// are requeued at the tail with no local retry or counting.
type Consumer struct {
	id        string
	queue     string
	transport queue.Transport
	processor *queue.Processor
	hooks     queue.LifecycleHooks

	gracePeriod         time.Duration
	maintenanceInterval time.Duration
	visibility          time.Duration
	fetchRetry          *rate.Limiter

	state atomic.Int32

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewConsumer creates a consumer owning transport exclusively.
func NewConsumer(id, queueName string, transport queue.Transport, processor *queue.Processor) *Consumer {
	return &Consumer{
		id:          id,
		queue:       queueName,
		transport:   transport,
		processor:   processor,
		hooks:       queue.NoopHooks{},
		gracePeriod: 5 * time.Second,
		visibility:  30 * time.Second,
		fetchRetry:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (c *Consumer) WithHooks(h queue.LifecycleHooks) *Consumer {
	if h == nil {
		h = queue.NoopHooks{}
	}
	c.hooks = h
	return c
}

// SetGracePeriod bounds how long an interrupted delivery may take to be
// requeued after the run context ends.
func (c *Consumer) SetGracePeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	c.gracePeriod = d
}

// SetMaintenance enables periodic orphan recovery on transports that
// support it. A zero interval disables it.
func (c *Consumer) SetMaintenance(interval, visibility time.Duration) {
	c.maintenanceInterval = interval
	if visibility > 0 {
		c.visibility = visibility
	}
}

// SetFetchRetry sets the pacing of fetch attempts after transport errors.
func (c *Consumer) SetFetchRetry(every time.Duration) {
	c.fetchRetry = rate.NewLimiter(rate.Every(every), 1)
}

// State returns the current state.
func (c *Consumer) State() State { return State(c.state.Load()) }

func (c *Consumer) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		logging.L().Debug("consumer state", zap.String("from", prev.String()), zap.String("to", s.String()))
	}
}

// Run fetches and processes deliveries until ctx ends or Stop is called.
// An interrupted delivery is requeued before Run returns. Run returns nil on
// cancellation and an error only if the transport was closed underneath it.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer %s is already running", c.id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		c.setState(StateStopped)
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
		logging.L().Info("consumer stopped", zap.String("queue", c.queue))
	}()

	if rec, ok := c.transport.(queue.Recoverer); ok && c.maintenanceInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.maintenanceLoop(runCtx, rec)
		}()
	}

	logging.L().Info("consumer started", zap.String("queue", c.queue))
	c.setState(StateIdle)
	for runCtx.Err() == nil {
		c.setState(StateFetching)
		d, err := c.transport.Fetch(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			logging.L().Error("fetch failed", zap.Error(err), zap.String("queue", c.queue))
			c.setState(StateIdle)
			if werr := c.fetchRetry.Wait(runCtx); werr != nil {
				return nil
			}
			continue
		}
		c.handle(runCtx, d)
	}
	return nil
}

// handle processes one delivery and settles it. Errors never escape: a
// failed settle is logged and the loop moves on.
func (c *Consumer) handle(ctx context.Context, d *queue.Delivery) {
	c.setState(StateProcessing)
	_, perr := c.processor.Process(ctx, d)

	// settle even when the run context ends meanwhile, within the grace period
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.gracePeriod)
	defer cancel()

	if perr == nil {
		c.setState(StateAcknowledging)
		if err := c.transport.Ack(settleCtx, d); err != nil {
			logging.L().Error("ack failed", zap.Error(err), zap.String("identifier", d.ItemID()), zap.String("queue", c.queue))
		} else {
			m.MessagesProcessedTotal.WithLabelValues("ack", c.queue).Inc()
			go func(d *queue.Delivery) {
				defer func() { _ = recover() }()
				c.hooks.OnAck(context.Background(), d)
			}(d)
		}
		c.setState(StateIdle)
		return
	}

	c.setState(StateFailed)
	reason := perr.Error()
	if ctx.Err() != nil {
		reason = "shutdown"
	} else {
		logging.L().Error("unable to handle item", zap.Error(perr), zap.String("identifier", d.ItemID()), zap.String("queue", c.queue))
	}
	c.setState(StateRequeuing)
	if err := c.transport.Nack(settleCtx, d); err != nil {
		logging.L().Error("requeue failed", zap.Error(err), zap.String("identifier", d.ItemID()), zap.String("queue", c.queue))
	} else {
		m.MessagesProcessedTotal.WithLabelValues("requeue", c.queue).Inc()
		logging.L().Info("item requeued", zap.String("identifier", d.ItemID()), zap.String("reason", reason))
		go func(d *queue.Delivery, rsn string) {
			defer func() { _ = recover() }()
			c.hooks.OnRequeue(context.Background(), d, rsn)
		}(d, reason)
	}
	c.setState(StateIdle)
}

// Stop cancels Run and waits for it to return or for ctx to end.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("consumer %s did not stop: %w", c.id, ctx.Err())
	}
}

// maintenanceLoop hands back deliveries abandoned by dead instances.
func (c *Consumer) maintenanceLoop(ctx context.Context, rec queue.Recoverer) {
	ticker := time.NewTicker(c.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rec.RecoverOrphans(ctx, c.visibility); err != nil && ctx.Err() == nil {
				logging.L().Warn("orphan recovery failed", zap.Error(err), zap.String("queue", c.queue))
			}
		}
	}
}
