package storage

import (
	"context"
	"testing"
	"time"

	"throttled-queue/pkg/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTransport(t *testing.T, mr *miniredis.Miniredis, id string) *RedisTransport {
	t.Helper()
	r := NewRedisTransport(mr.Addr(), "jobs", id).WithPollTimeout(50 * time.Millisecond)
	require.NoError(t, r.Declare(context.Background()))
	return r
}

func TestRedisFetchAck(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r := newRedisTransport(t, mr, "a")
	publishAll(t, r, "one", "two")

	ok, err := mr.SIsMember("queues", "jobs")
	require.NoError(t, err)
	assert.True(t, ok)

	d, err := r.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", d.ItemID())
	assert.False(t, d.Redelivered)

	_, err = r.Fetch(ctx)
	assert.ErrorIs(t, err, queue.ErrPrefetchExceeded)

	processing, err := mr.List("queue:jobs:processing:a")
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	require.NoError(t, r.Ack(ctx, d))
	assert.False(t, mr.Exists("queue:jobs:processing:a"))
	assert.ErrorIs(t, r.Ack(ctx, d), queue.ErrUnknownDelivery)

	depth, err := r.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRedisNackRequeuesAtTail(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r := newRedisTransport(t, mr, "a")
	publishAll(t, r, "one", "two")

	d, err := r.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Nack(ctx, d))

	d, err = r.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", d.ItemID())
	require.NoError(t, r.Ack(ctx, d))

	d, err = r.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", d.ItemID())
	assert.True(t, d.Redelivered)
}

func TestRedisFetchTimesOutWhenEmpty(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRedisTransport(t, mr, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err := r.Fetch(ctx)
	assert.Error(t, err)
}

func TestRedisNackAllAndClose(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r := newRedisTransport(t, mr, "a")
	publishAll(t, r, "one")

	_, err := r.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, r.NackAll(ctx))
	ready, err := mr.List("queue:jobs")
	require.NoError(t, err)
	assert.Len(t, ready, 1)

	_, err = r.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx))
	_, err = r.Fetch(ctx)
	assert.ErrorIs(t, err, queue.ErrClosed)

	other := newRedisTransport(t, mr, "b")
	d, err := other.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", d.ItemID())
	assert.True(t, d.Redelivered)
}

func TestRedisRecoverOrphans(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	dead := newRedisTransport(t, mr, "dead")
	publishAll(t, dead, "orphan")
	_, err := dead.Fetch(ctx)
	require.NoError(t, err)

	live := newRedisTransport(t, mr, "live")
	n, err := live.RecoverOrphans(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no liveness function, nothing recovered")

	alive := map[string]bool{"live": true}
	live.WithLiveness(func(ctx context.Context, id string) (bool, error) { return alive[id], nil })

	alive["dead"] = true
	n, err = live.RecoverOrphans(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	alive["dead"] = false
	n, err = live.RecoverOrphans(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := live.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "orphan", d.ItemID())
	assert.True(t, d.Redelivered)
}
