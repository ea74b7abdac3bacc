package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	p := DefaultProducer()
	assert.Equal(t, TransportAMQP, p.Transport)
	assert.Equal(t, "amqp://localhost", p.TransportAddress())
	assert.Equal(t, "queue", p.Queue)
	assert.Equal(t, "0.0.0.0:3000", p.ListenAddress())
	assert.NoError(t, p.Validate())

	c := DefaultConsumer()
	assert.Equal(t, 10, c.MaxInProgressPerSecond)
	assert.Equal(t, 1, c.ConsumersCount)
	assert.Equal(t, 20*time.Millisecond, c.WorkMin)
	assert.Equal(t, 100*time.Millisecond, c.WorkMax)
	assert.NoError(t, c.Validate())
}

func TestConsumerFromEnv(t *testing.T) {
	t.Setenv("TRANSPORT", "redis")
	t.Setenv("QUEUE_NAME", "jobs")
	t.Setenv("MAX_IN_PROGRESS_PER_SECOND", "30")
	t.Setenv("CONSUMERS_COUNT", "3")
	t.Setenv("WORK_MIN_MS", "5")
	t.Setenv("WORK_MAX_MS", "15")
	t.Setenv("SIMULATED_FAILURE_RATE", "0.25")
	t.Setenv("VISIBILITY_TIMEOUT", "1m")

	c := DefaultConsumer()
	require.NoError(t, ConsumerFromEnv(&c))
	assert.Equal(t, "redis", c.Transport)
	assert.Equal(t, "localhost:6379", c.TransportAddress())
	assert.Equal(t, "jobs", c.Queue)
	assert.Equal(t, 30, c.MaxInProgressPerSecond)
	assert.Equal(t, 3, c.ConsumersCount)
	assert.Equal(t, 5*time.Millisecond, c.WorkMin)
	assert.Equal(t, 15*time.Millisecond, c.WorkMax)
	assert.Equal(t, 0.25, c.FailureRate)
	assert.Equal(t, time.Minute, c.VisibilityTimeout)
	assert.NoError(t, c.Validate())
}

func TestProducerFromEnvAddressAlias(t *testing.T) {
	t.Setenv("AMQP_ADDRESS", "amqp://legacy")
	p := DefaultProducer()
	require.NoError(t, ProducerFromEnv(&p))
	assert.Equal(t, "amqp://legacy", p.TransportAddress())

	t.Setenv("TRANSPORT_ADDRESS", "amqp://rabbit:5672")
	t.Setenv("PORT", "8080")
	p = DefaultProducer()
	require.NoError(t, ProducerFromEnv(&p))
	assert.Equal(t, "amqp://rabbit:5672", p.TransportAddress())
	assert.Equal(t, 8080, p.Port)
}

func TestFromEnvReportsAllErrors(t *testing.T) {
	t.Setenv("PORT", "http")
	t.Setenv("MAX_QUANTITY", "lots")
	p := DefaultProducer()
	err := ProducerFromEnv(&p)
	require.Error(t, err)
	assert.ErrorContains(t, err, "PORT")
	assert.ErrorContains(t, err, "MAX_QUANTITY")

	t.Setenv("WORK_MIN_MS", "-1")
	c := DefaultConsumer()
	assert.ErrorContains(t, ConsumerFromEnv(&c), "WORK_MIN_MS")
}

func TestValidate(t *testing.T) {
	c := DefaultConsumer()
	c.Transport = "carrier-pigeon"
	assert.Error(t, c.Validate())

	c = DefaultConsumer()
	c.WorkMin, c.WorkMax = 50*time.Millisecond, 10*time.Millisecond
	assert.Error(t, c.Validate())

	c = DefaultConsumer()
	c.FailureRate = 1.5
	assert.Error(t, c.Validate())

	c = DefaultConsumer()
	c.VisibilityTimeout = c.WorkMax
	assert.ErrorContains(t, c.Validate(), "visibility timeout")

	p := DefaultProducer()
	p.Queue = ""
	assert.Error(t, p.Validate())

	p = DefaultProducer()
	p.MaxQuantity = 0
	assert.Error(t, p.Validate())
}
