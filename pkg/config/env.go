package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// envReader collects parse errors so every bad variable is reported at once.
type envReader struct {
	errs []error
}

func (r *envReader) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (r *envReader) int(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) float(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (r *envReader) bool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

// millis reads an integer number of milliseconds.
func (r *envReader) millis(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid milliseconds %q", key, v))
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}

func (r *envReader) err() error { return errors.Join(r.errs...) }

func commonFromEnv(r *envReader, c *Common) {
	r.str("TRANSPORT", &c.Transport)
	r.str("AMQP_ADDRESS", &c.Address)
	r.str("TRANSPORT_ADDRESS", &c.Address)
	r.str("QUEUE_NAME", &c.Queue)
	r.str("REGISTRY_ADDRESS", &c.RegistryAddress)
	r.str("EVENTS_DSN", &c.EventsDSN)
	r.duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	r.bool("LOG_DEVELOPMENT", &c.LogDevelopment)
}

// ProducerFromEnv overlays environment variables onto cfg.
func ProducerFromEnv(cfg *Producer) error {
	r := &envReader{}
	commonFromEnv(r, &cfg.Common)
	r.str("INTERFACE", &cfg.Interface)
	r.int("PORT", &cfg.Port)
	r.int("MAX_QUANTITY", &cfg.MaxQuantity)
	r.str("PRODUCE_SCHEDULE", &cfg.ProduceSchedule)
	return r.err()
}

// ConsumerFromEnv overlays environment variables onto cfg.
func ConsumerFromEnv(cfg *Consumer) error {
	r := &envReader{}
	commonFromEnv(r, &cfg.Common)
	r.int("MAX_IN_PROGRESS_PER_SECOND", &cfg.MaxInProgressPerSecond)
	r.int("CONSUMERS_COUNT", &cfg.ConsumersCount)
	r.millis("WORK_MIN_MS", &cfg.WorkMin)
	r.millis("WORK_MAX_MS", &cfg.WorkMax)
	r.float("SIMULATED_FAILURE_RATE", &cfg.FailureRate)
	r.str("METRICS_ADDRESS", &cfg.MetricsAddress)
	r.duration("VISIBILITY_TIMEOUT", &cfg.VisibilityTimeout)
	r.duration("MAINTENANCE_INTERVAL", &cfg.MaintenanceInterval)
	return r.err()
}
