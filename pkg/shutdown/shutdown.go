// Package shutdown releases a process's resources in order when it is asked
// to terminate. Producer and consumer share it.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"throttled-queue/pkg/logging"

	"go.uber.org/zap"
)

// Step is one resource to release.
type Step struct {
	Name  string
	Close func(ctx context.Context) error
}

// NotifyContext returns a context cancelled on SIGINT or SIGTERM.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Run executes steps in order under a single deadline of timeout. Every step
// is attempted even after an earlier one failed; failures are joined.
func Run(ctx context.Context, timeout time.Duration, steps ...Step) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var errs []error
	for _, s := range steps {
		if s.Close == nil {
			continue
		}
		if err := runStep(ctx, s); err != nil {
			logging.L().Error("shutdown step failed", zap.String("step", s.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		logging.L().Info(s.Name + " stopped")
	}
	return errors.Join(errs...)
}

// runStep stops waiting on a step once the deadline passes.
func runStep(ctx context.Context, s Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				res <- fmt.Errorf("panic: %v", r)
			}
		}()
		res <- s.Close(ctx)
	}()
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exit runs the steps and terminates the process: status 1 when any step
// failed, 0 otherwise.
func Exit(ctx context.Context, timeout time.Duration, steps ...Step) {
	if err := Run(ctx, timeout, steps...); err != nil {
		logging.L().Error("unable to stop application gracefully", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
	logging.L().Info("application stopped")
	logging.Sync()
	os.Exit(0)
}
