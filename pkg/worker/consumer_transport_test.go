package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"throttled-queue/pkg/queue"
	"throttled-queue/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

// droppingSession loses its broker connection after a number of fetches.
type droppingSession struct {
	*storage.MemorySession
	fetches   atomic.Int32
	dropAfter int32
}

func (s *droppingSession) Fetch(ctx context.Context) (*queue.Delivery, error) {
	if s.fetches.Add(1) > s.dropAfter {
		return nil, fmt.Errorf("amqp delivery channel closed: %w", queue.ErrClosed)
	}
	return s.MemorySession.Fetch(ctx)
}

func TestConsumerStopsWhenSessionDrops(t *testing.T) {
	b := storage.NewMemoryBroker()
	publishTo(t, b, "drop", "one")
	session := &droppingSession{MemorySession: b.NewSession("drop", "c1"), dropAfter: 1}

	hooks := &countingHooks{}
	p := queue.NewProcessor("drop", func(ctx context.Context, d *queue.Delivery) error { return nil }, queue.NewTimingGate(time.Millisecond, nil), nil)
	c := NewConsumer("c1", "drop", session, p).WithHooks(hooks)
	c.SetFetchRetry(10 * time.Millisecond)

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, queue.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer kept retrying a closed session")
	}
	assert.Equal(t, int32(2), session.fetches.Load())
	assert.Equal(t, StateStopped, c.State())
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&hooks.ack) == 1 }, time.Second, 5*time.Millisecond)
}

// cancellingSession cancels the run context right before acknowledging.
type cancellingSession struct {
	*storage.MemorySession
	cancel context.CancelFunc
}

func (s *cancellingSession) Ack(ctx context.Context, d *queue.Delivery) error {
	s.cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemorySession.Ack(ctx, d)
}

func TestConsumerAcksAfterLateCancellation(t *testing.T) {
	b := storage.NewMemoryBroker()
	publishTo(t, b, "late", "done")

	ctx, cancel := context.WithCancel(context.Background())
	session := &cancellingSession{MemorySession: b.NewSession("late", "c1"), cancel: cancel}
	p := queue.NewProcessor("late", func(ctx context.Context, d *queue.Delivery) error { return nil }, queue.NewTimingGate(time.Millisecond, nil), nil)
	c := NewConsumer("c1", "late", session, p)

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, 0, b.Ready("late"))
	assert.Equal(t, 0, b.Unacked("late"))
}

// recoveringSession counts maintenance calls.
type recoveringSession struct {
	*storage.MemorySession
	calls      atomic.Int32
	visibility atomic.Int64
}

func (s *recoveringSession) RecoverOrphans(ctx context.Context, visibility time.Duration) (int, error) {
	s.calls.Add(1)
	s.visibility.Store(int64(visibility))
	return 0, nil
}

func TestConsumerRunsMaintenance(t *testing.T) {
	b := storage.NewMemoryBroker()
	session := &recoveringSession{MemorySession: b.NewSession("maint", "c1")}
	p := queue.NewProcessor("maint", func(ctx context.Context, d *queue.Delivery) error { return nil }, queue.NewTimingGate(time.Millisecond, nil), nil)
	c := NewConsumer("c1", "maint", session, p)
	c.SetMaintenance(5*time.Millisecond, 2*time.Second)

	cancel, errc := runConsumer(t, c)
	require.Eventually(t, func() bool { return session.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, int64(2*time.Second), session.visibility.Load())

	// stopped consumers no longer recover
	calls := session.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, session.calls.Load())
}

func TestConsumerMaintenanceDisabled(t *testing.T) {
	b := storage.NewMemoryBroker()
	session := &recoveringSession{MemorySession: b.NewSession("nomaint", "c1")}
	p := queue.NewProcessor("nomaint", func(ctx context.Context, d *queue.Delivery) error { return nil }, queue.NewTimingGate(time.Millisecond, nil), nil)
	c := NewConsumer("c1", "nomaint", session, p)
	c.SetMaintenance(0, time.Second)

	cancel, errc := runConsumer(t, c)
	time.Sleep(30 * time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, int32(0), session.calls.Load())
}

func TestConsumerSpacesStarts(t *testing.T) {
	const items = 100
	rc, err := queue.NewRateConfig(10, 1)
	require.NoError(t, err)

	b := storage.NewMemoryBroker()
	bodies := make([]string, items)
	for i := range bodies {
		bodies[i] = queue.NewItemID()
	}
	publishTo(t, b, "spacing", bodies...)

	fc := testclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	driveCtx, stopDriving := context.WithCancel(context.Background())
	var driver sync.WaitGroup
	driver.Add(1)
	go func() {
		defer driver.Done()
		for driveCtx.Err() == nil {
			if fc.HasWaiters() {
				fc.Step(time.Millisecond)
				continue
			}
			time.Sleep(50 * time.Microsecond)
		}
	}()
	defer func() {
		stopDriving()
		driver.Wait()
	}()

	var mu sync.Mutex
	var starts []time.Time
	work := func(ctx context.Context, d *queue.Delivery) error {
		mu.Lock()
		starts = append(starts, fc.Now())
		mu.Unlock()
		fc.Step(20*time.Millisecond + rand.N(80*time.Millisecond))
		return nil
	}
	p := queue.NewProcessor("spacing", work, queue.NewTimingGate(rc.MinProcessingDuration, fc), fc)
	hooks := &countingHooks{}
	c := NewConsumer("c1", "spacing", b.NewSession("spacing", "c1"), p).WithHooks(hooks)

	cancel, errc := runConsumer(t, c)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hooks.ack) == items }, 20*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, items)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), rc.MinProcessingDuration, "item %d", i)
	}
	window := starts[len(starts)-1].Sub(starts[0]) + rc.MinProcessingDuration
	assert.LessOrEqual(t, float64(items)/window.Seconds(), float64(rc.PerInstanceRate))
}
