package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Transport kinds understood by storage.Open.
const (
	TransportAMQP     = "amqp"
	TransportRedis    = "redis"
	TransportPostgres = "postgres"
	TransportMemory   = "memory"
)

var defaultAddresses = map[string]string{
	TransportAMQP:     "amqp://localhost",
	TransportRedis:    "localhost:6379",
	TransportPostgres: "postgres://localhost:5432/queue",
	TransportMemory:   "",
}

// Common holds the options shared by producer and consumer.
type Common struct {
	Transport       string        `json:"transport"`
	Address         string        `json:"address"`
	Queue           string        `json:"queue"`
	RegistryAddress string        `json:"registryAddress"`
	EventsDSN       string        `json:"eventsDsn"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout"`
	LogDevelopment  bool          `json:"logDevelopment"`
}

// TransportAddress returns the configured address or the default for the
// transport kind.
func (c Common) TransportAddress() string {
	if c.Address != "" {
		return c.Address
	}
	return defaultAddresses[c.Transport]
}

// Producer is the configuration of the HTTP-triggered producer.
type Producer struct {
	Common
	Interface       string `json:"interface"`
	Port            int    `json:"port"`
	MaxQuantity     int    `json:"maxQuantity"`
	ProduceSchedule string `json:"produceSchedule"`
}

// ListenAddress joins interface and port.
func (p Producer) ListenAddress() string {
	return net.JoinHostPort(p.Interface, strconv.Itoa(p.Port))
}

// Consumer is the configuration of a rate-governed consumer instance.
type Consumer struct {
	Common
	MaxInProgressPerSecond int           `json:"maxInProgressPerSecond"`
	ConsumersCount         int           `json:"consumersCount"`
	WorkMin                time.Duration `json:"workMin"`
	WorkMax                time.Duration `json:"workMax"`
	FailureRate            float64       `json:"failureRate"`
	MetricsAddress         string        `json:"metricsAddress"`
	VisibilityTimeout      time.Duration `json:"visibilityTimeout"`
	MaintenanceInterval    time.Duration `json:"maintenanceInterval"`
}

func defaultCommon() Common {
	return Common{
		Transport:       TransportAMQP,
		Queue:           "queue",
		ShutdownTimeout: 10 * time.Second,
	}
}

// DefaultProducer returns built-in producer defaults.
func DefaultProducer() Producer {
	return Producer{
		Common:      defaultCommon(),
		Interface:   "0.0.0.0",
		Port:        3000,
		MaxQuantity: 10000,
	}
}

// DefaultConsumer returns built-in consumer defaults.
func DefaultConsumer() Consumer {
	return Consumer{
		Common:                 defaultCommon(),
		MaxInProgressPerSecond: 10,
		ConsumersCount:         1,
		WorkMin:                20 * time.Millisecond,
		WorkMax:                100 * time.Millisecond,
		VisibilityTimeout:      30 * time.Second,
		MaintenanceInterval:    30 * time.Second,
	}
}

// Validate checks values that env parsing alone cannot.
func (c Common) Validate() error {
	if _, ok := defaultAddresses[c.Transport]; !ok {
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Queue == "" {
		return fmt.Errorf("queue name must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

func (p Producer) Validate() error {
	if err := p.Common.Validate(); err != nil {
		return err
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("port %d out of range", p.Port)
	}
	if p.MaxQuantity < 1 {
		return fmt.Errorf("max quantity must be at least 1, got %d", p.MaxQuantity)
	}
	return nil
}

func (c Consumer) Validate() error {
	if err := c.Common.Validate(); err != nil {
		return err
	}
	if c.WorkMin < 0 || c.WorkMax < c.WorkMin {
		return fmt.Errorf("work duration range [%s, %s) is invalid", c.WorkMin, c.WorkMax)
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return fmt.Errorf("failure rate %v must be within [0, 1]", c.FailureRate)
	}
	if c.VisibilityTimeout <= c.WorkMax {
		return fmt.Errorf("visibility timeout %s must exceed the longest work duration %s", c.VisibilityTimeout, c.WorkMax)
	}
	return nil
}
