package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunnerValidates(t *testing.T) {
	_, err := NewRunner("", nil)
	assert.Error(t, err)
	_, err = NewRunner("not a cron", nil)
	assert.Error(t, err)
}

func TestRunnerNext(t *testing.T) {
	r, err := NewRunner("0 * * * *", nil)
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC), r.Next(now))
}

func TestRunnerFires(t *testing.T) {
	var calls atomic.Int32
	r, err := NewRunner("* * * * * * *", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	r.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 10*time.Millisecond)
	assert.NoError(t, r.Stop(context.Background()))
}

func TestRunnerStopWithoutStart(t *testing.T) {
	r, err := NewRunner("@hourly", nil)
	require.NoError(t, err)
	assert.NoError(t, r.Stop(context.Background()))
}
