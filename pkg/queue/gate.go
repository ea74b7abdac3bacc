package queue

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// TimingGate pads every unit of work up to a minimum wall-clock duration.
// With one delivery in flight per instance this caps completions at
// 1/min per second. Each item is governed on its own: a slow item never
// earns credit for the next one.
type TimingGate struct {
	min   time.Duration
	clock clock.Clock
}

func NewTimingGate(min time.Duration, clk clock.Clock) *TimingGate {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if min < 0 {
		min = 0
	}
	return &TimingGate{min: min, clock: clk}
}

// Min returns the minimum processing duration enforced by the gate.
func (g *TimingGate) Min() time.Duration { return g.min }

// IdleTime returns max(0, min - elapsed).
func (g *TimingGate) IdleTime(elapsed time.Duration) time.Duration {
	if idle := g.min - elapsed; idle > 0 {
		return idle
	}
	return 0
}

// Wait suspends the caller for IdleTime(elapsed). It returns early with the
// context error if ctx ends first.
func (g *TimingGate) Wait(ctx context.Context, elapsed time.Duration) (time.Duration, error) {
	idle := g.IdleTime(elapsed)
	if idle == 0 {
		return 0, nil
	}
	return idle, sleep(ctx, g.clock, idle)
}

// sleep blocks for d on clk or until ctx is done.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	t := clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
