package scheduler

import (
	"context"
	"errors"
	"time"

	"throttled-queue/pkg/logging"

	"github.com/gorhill/cronexpr"
	"go.uber.org/zap"
)

// ProduceFunc publishes one batch of work items.
type ProduceFunc func(ctx context.Context) error

// Runner fires a ProduceFunc at the times described by a cron expression.
type Runner struct {
	expr *cronexpr.Expression
	cron string
	fn   ProduceFunc
	now  func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(cron string, fn ProduceFunc) (*Runner, error) {
	if cron == "" {
		return nil, errors.New("missing cron expression")
	}
	expr, err := cronexpr.Parse(cron)
	if err != nil {
		return nil, err
	}
	return &Runner{expr: expr, cron: cron, fn: fn, now: time.Now}, nil
}

// Next returns the first run time strictly after t, or the zero time when
// the expression has no further matches.
func (r *Runner) Next(t time.Time) time.Time {
	return r.expr.Next(t)
}

// Start runs the schedule in a goroutine until ctx ends or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.loop(ctx)
	}()
}

func (r *Runner) loop(ctx context.Context) {
	for {
		next := r.Next(r.now())
		if next.IsZero() {
			logging.L().Warn("schedule has no further runs", zap.String("cron", r.cron))
			return
		}
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if err := r.fn(ctx); err != nil && ctx.Err() == nil {
			logging.L().Error("scheduled produce failed", zap.Error(err), zap.String("cron", r.cron))
		}
	}
}

// Stop ends the schedule and waits for an in-progress run to finish.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
