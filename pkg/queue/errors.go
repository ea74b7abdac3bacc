package queue

import "errors"

var (
	// ErrInvalidRate is returned when the per-instance rate rounds down to zero.
	ErrInvalidRate = errors.New("invalid rate configuration")
	// ErrPrefetchExceeded is returned by Fetch while a delivery is still unacknowledged.
	ErrPrefetchExceeded = errors.New("prefetch limit reached: delivery still unacknowledged")
	// ErrUnknownDelivery is returned when acking or nacking a delivery the session does not hold.
	ErrUnknownDelivery = errors.New("unknown delivery")
	// ErrClosed is returned by a transport session after Close.
	ErrClosed = errors.New("transport closed")
	// ErrSimulatedFailure is returned by SimulatedWork for injected failures.
	ErrSimulatedFailure = errors.New("simulated processing failure")
	// ErrInvalidQuantity is returned when asked to produce fewer than one message.
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
)
