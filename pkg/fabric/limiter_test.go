package fabric

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterFastPath(t *testing.T) {
	l := NewLimiter("test", 600, 5, time.Second)
	defer l.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background(), PriorityNormal))
	}
}

func TestLimiterPriorityOrder(t *testing.T) {
	// 2 tokens/sec, burst 1: drain the bucket, park three waiters, and the
	// dispatcher must grant in priority order regardless of arrival order.
	l := NewLimiter("test", 120, 1, 10*time.Second)
	defer l.Close()

	require.NoError(t, l.Acquire(context.Background(), PriorityNormal))

	var mu sync.Mutex
	var order []Priority
	var wg sync.WaitGroup
	for i, p := range []Priority{PriorityLow, PriorityNormal, PriorityCritical} {
		wg.Add(1)
		go func(p Priority) {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background(), p))
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
		}(p)
		// Park in worst-first order so FIFO would get it wrong.
		want := i + 1
		require.Eventually(t, func() bool { return l.QueueDepth() >= want },
			400*time.Millisecond, time.Millisecond)
	}

	wg.Wait()
	assert.Equal(t, []Priority{PriorityCritical, PriorityNormal, PriorityLow}, order)
}

func TestLimiterWaitBoundThrottles(t *testing.T) {
	// Burst 0 never grants; the wait bound converts the stall into a
	// throttled error rather than blocking forever.
	l := NewLimiter("test", 60, 0, 50*time.Millisecond)
	defer l.Close()

	err := l.Acquire(context.Background(), PriorityCritical)
	require.Error(t, err)
	assert.Equal(t, KindThrottled, KindOf(err))
	assert.Equal(t, 0, l.QueueDepth(), "abandoned waiter leaves the queue")
}

func TestLimiterContextCancellation(t *testing.T) {
	l := NewLimiter("test", 60, 0, 10*time.Second)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, PriorityNormal)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, 0, l.QueueDepth())
}
