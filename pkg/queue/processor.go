package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"throttled-queue/pkg/logging"
	m "throttled-queue/pkg/metrics"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Handler performs the unit of work attributable to one delivery.
type Handler func(ctx context.Context, d *Delivery) error

// Result is emitted for every delivery that went through the processor.
type Result struct {
	ID      string        `json:"identifier"`
	Elapsed time.Duration `json:"actual_elapsed"`
	Idle    time.Duration `json:"idle_time"`
}

// Processor runs a Handler and routes its elapsed time through a TimingGate,
// so a delivery never completes faster than the gate's minimum duration.
type Processor struct {
	queue   string
	handler Handler
	gate    *TimingGate
	clock   clock.Clock
}

func NewProcessor(queueName string, handler Handler, gate *TimingGate, clk clock.Clock) *Processor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Processor{queue: queueName, handler: handler, gate: gate, clock: clk}
}

// Process never retries. A failed attempt is still padded by the gate so a
// permanently failing item cannot cycle faster than the rate cap. When ctx
// ends mid-work or mid-gate the context error is returned and the caller is
// expected to requeue.
func (p *Processor) Process(ctx context.Context, d *Delivery) (Result, error) {
	res := Result{ID: d.ItemID()}

	start := p.clock.Now()
	herr := p.handler(ctx, d)
	res.Elapsed = p.clock.Since(start)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	idle, err := p.gate.Wait(ctx, res.Elapsed)
	res.Idle = idle
	if err != nil {
		return res, err
	}
	m.ObserveProcessing(p.queue, res.Elapsed, res.Idle)

	if herr != nil {
		logging.L().Warn("item processing failed",
			zap.String("identifier", res.ID),
			zap.Int64("actual_elapsed_ms", res.Elapsed.Milliseconds()),
			zap.Int64("idle_time_ms", res.Idle.Milliseconds()),
			zap.Error(herr))
		return res, fmt.Errorf("process %s: %w", res.ID, herr)
	}
	logging.L().Info("item processed",
		zap.String("identifier", res.ID),
		zap.Int64("actual_elapsed_ms", res.Elapsed.Milliseconds()),
		zap.Int64("idle_time_ms", res.Idle.Milliseconds()),
		zap.Bool("redelivered", d.Redelivered))
	return res, nil
}

// SimulatedWork returns a Handler that emulates a variable-cost operation by
// sleeping a uniform random duration in [min, max). With probability
// failureRate it reports ErrSimulatedFailure after sleeping.
func SimulatedWork(min, max time.Duration, failureRate float64, clk clock.Clock) Handler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return func(ctx context.Context, d *Delivery) error {
		cost := min
		if max > min {
			cost += rand.N(max - min)
		}
		if err := sleep(ctx, clk, cost); err != nil {
			return err
		}
		if failureRate > 0 && rand.Float64() < failureRate {
			return ErrSimulatedFailure
		}
		return nil
	}
}
