package storage

import (
	"context"
	"testing"

	"throttled-queue/pkg/queue"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestAMQPFetchAfterChannelLoss(t *testing.T) {
	deliveries := make(chan amqp.Delivery)
	close(deliveries)
	a := &AMQPTransport{queue: "lost", instanceID: "a", deliveries: deliveries}

	_, err := a.Fetch(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
	assert.Nil(t, a.deliveries)
}
