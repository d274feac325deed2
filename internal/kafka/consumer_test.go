package kafka

import (
	"context"
	"errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"testing"
	"time"
)

func testConsumer() *Consumer {
	return &Consumer{workers: 3, log: zap.NewNop(), backoff: func(int) time.Duration { return time.Millisecond }}
}

func TestHandleRetriesUntilSuccess(t *testing.T) {
	c := testConsumer()
	calls := 0
	h := func(ctx context.Context, m kafka.Message) error {
		calls++
		if calls < 3 {
			return errors.New("redis down")
		}
		return nil
	}

	require.NoError(t, c.handle(context.Background(), h, 0, kafka.Message{Offset: 10}))
	assert.Equal(t, 3, calls)
}

func TestHandleGivesUpOnlyOnShutdown(t *testing.T) {
	c := testConsumer()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	h := func(context.Context, kafka.Message) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("db down")
	}

	err := c.handle(ctx, h, 0, kafka.Message{Offset: 10})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, calls)

	// nothing runs once the consumer is stopping
	err = c.handle(ctx, h, 0, kafka.Message{Offset: 11})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, calls)
}

func TestWorkerForPinsPartitions(t *testing.T) {
	assert.Equal(t, 0, workerFor(0, 3))
	assert.Equal(t, 1, workerFor(4, 3))
	assert.Equal(t, workerFor(7, 3), workerFor(7, 3))
	assert.Equal(t, 0, workerFor(5, 1))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, retryBase, backoff(0))
	assert.Equal(t, 2*retryBase, backoff(1))
	assert.Equal(t, retryMax, backoff(30))
}
