package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"throttled-queue/pkg/queue"
	"throttled-queue/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingHooks struct {
	ack     int32
	requeue int32
}

func (h *countingHooks) OnPublish(ctx context.Context, d *queue.Delivery) {}
func (h *countingHooks) OnAck(ctx context.Context, d *queue.Delivery)     { atomic.AddInt32(&h.ack, 1) }
func (h *countingHooks) OnRequeue(ctx context.Context, d *queue.Delivery, reason string) {
	atomic.AddInt32(&h.requeue, 1)
}

func newTestConsumer(b *storage.MemoryBroker, name string, handler queue.Handler) *Consumer {
	p := queue.NewProcessor(name, handler, queue.NewTimingGate(time.Millisecond, nil), nil)
	c := NewConsumer("c1", name, b.NewSession(name, "c1"), p)
	c.SetFetchRetry(time.Millisecond)
	return c
}

func runConsumer(t *testing.T, c *Consumer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	return cancel, errc
}

func TestConsumerAcknowledges(t *testing.T) {
	b := storage.NewMemoryBroker()
	publishTo(t, b, "ack", "one", "two", "three")

	var mu sync.Mutex
	var processed []string
	c := newTestConsumer(b, "ack", func(ctx context.Context, d *queue.Delivery) error {
		mu.Lock()
		processed = append(processed, d.ItemID())
		mu.Unlock()
		return nil
	})
	hooks := &countingHooks{}
	c.WithHooks(hooks)

	cancel, errc := runConsumer(t, c)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hooks.ack) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	assert.Equal(t, []string{"one", "two", "three"}, processed)
	assert.Equal(t, 0, b.Ready("ack"))
	assert.Equal(t, 0, b.Unacked("ack"))
	assert.Equal(t, StateStopped, c.State())
}

func TestConsumerRequeuesFailures(t *testing.T) {
	b := storage.NewMemoryBroker()
	publishTo(t, b, "retry", "flaky", "fine")

	var mu sync.Mutex
	attempts := map[string]int{}
	var redelivered []string
	c := newTestConsumer(b, "retry", func(ctx context.Context, d *queue.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[d.ItemID()]++
		if d.Redelivered {
			redelivered = append(redelivered, d.ItemID())
		}
		if d.ItemID() == "flaky" && attempts["flaky"] < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	hooks := &countingHooks{}
	c.WithHooks(hooks)

	cancel, errc := runConsumer(t, c)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hooks.ack) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts["flaky"])
	assert.Equal(t, 1, attempts["fine"])
	assert.Equal(t, []string{"flaky", "flaky"}, redelivered)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&hooks.requeue) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.Ready("retry"))
}

func TestConsumerRequeuesOnShutdown(t *testing.T) {
	b := storage.NewMemoryBroker()
	publishTo(t, b, "stop", "interrupted")

	started := make(chan struct{})
	c := newTestConsumer(b, "stop", func(ctx context.Context, d *queue.Delivery) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	_, errc := runConsumer(t, c)
	<-started
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(stopCtx))
	require.NoError(t, <-errc)

	assert.Equal(t, 1, b.Ready("stop"))
	assert.Equal(t, 0, b.Unacked("stop"))

	d, err := b.NewSession("stop", "c2").Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "interrupted", d.ItemID())
	assert.True(t, d.Redelivered)
}

func TestConsumerRunTwice(t *testing.T) {
	b := storage.NewMemoryBroker()
	c := newTestConsumer(b, "twice", func(ctx context.Context, d *queue.Delivery) error { return nil })

	cancel, errc := runConsumer(t, c)
	require.Eventually(t, func() bool { return c.State() == StateFetching }, time.Second, time.Millisecond)
	assert.Error(t, c.Run(context.Background()))
	cancel()
	require.NoError(t, <-errc)
	assert.NoError(t, c.Stop(context.Background()))
}

func TestConsumerReturnsOnClosedTransport(t *testing.T) {
	b := storage.NewMemoryBroker()
	session := b.NewSession("closed", "c1")
	require.NoError(t, session.Close(context.Background()))
	p := queue.NewProcessor("closed", func(ctx context.Context, d *queue.Delivery) error { return nil }, queue.NewTimingGate(0, nil), nil)

	err := NewConsumer("c1", "closed", session, p).Run(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "acknowledging", StateAcknowledging.String())
	assert.Equal(t, "requeuing", StateRequeuing.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func publishTo(t *testing.T, b *storage.MemoryBroker, name string, bodies ...string) {
	t.Helper()
	s := b.NewSession(name, "producer")
	for _, body := range bodies {
		require.NoError(t, s.Publish(context.Background(), []byte(body)))
	}
}
