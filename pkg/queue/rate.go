package queue

import (
	"fmt"
	"time"
)

// RateConfig is derived once at startup and never mutated. Every consumer
// instance enforces PerInstanceRate on its own; the global bound is only as
// good as the split of messages between instances.
type RateConfig struct {
	GlobalRate            int           `json:"global_rate"`
	Instances             int           `json:"instances"`
	PerInstanceRate       int           `json:"per_instance_rate"`
	MinProcessingDuration time.Duration `json:"min_processing_duration"`
}

// NewRateConfig splits globalRate (items per second across the cluster) over
// instances cooperating consumers.
func NewRateConfig(globalRate, instances int) (RateConfig, error) {
	if globalRate < 1 {
		return RateConfig{}, fmt.Errorf("%w: global rate %d must be at least 1", ErrInvalidRate, globalRate)
	}
	if instances < 1 {
		return RateConfig{}, fmt.Errorf("%w: instance count %d must be at least 1", ErrInvalidRate, instances)
	}
	perInstance := globalRate / instances
	if perInstance < 1 {
		return RateConfig{}, fmt.Errorf("%w: %d/s over %d instances rounds to 0 per instance", ErrInvalidRate, globalRate, instances)
	}
	// ceil(1000 / perInstance) ms
	minMs := (1000 + perInstance - 1) / perInstance
	return RateConfig{
		GlobalRate:            globalRate,
		Instances:             instances,
		PerInstanceRate:       perInstance,
		MinProcessingDuration: time.Duration(minMs) * time.Millisecond,
	}, nil
}
