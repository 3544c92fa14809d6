package fabric

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/pkg/config"
)

func testFabricConfig() config.FabricConfig {
	return config.FabricConfig{
		Channels: map[string]config.ChannelConfig{
			"primary": {RequestsPerMinute: 6000, Burst: 10, Fallbacks: []string{"backup"}},
			"backup":  {RequestsPerMinute: 6000, Burst: 10},
		},
		Breaker:        testBreakerConfig(),
		QueueWaitBound: 200 * time.Millisecond,
		RetryCeiling:   20 * time.Millisecond,
	}
}

func TestInvokeSuccess(t *testing.T) {
	f := New(testFabricConfig(), nil)
	defer f.Close()

	result, err := f.Invoke(context.Background(), "primary", PriorityNormal,
		func(ctx context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestInvokeUnknownChannel(t *testing.T) {
	f := New(testFabricConfig(), nil)
	defer f.Close()

	_, err := f.Invoke(context.Background(), "nonexistent", PriorityNormal,
		func(ctx context.Context) (any, error) { return nil, nil })
	require.Error(t, err)
	assert.Equal(t, KindUpstream, KindOf(err))
}

func TestInvokeOpenBreakerRejectsWithoutCalling(t *testing.T) {
	f := New(testFabricConfig(), nil)
	defer f.Close()

	b, ok := f.Breaker("primary")
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	require.Equal(t, StateOpen, b.State())

	called := false
	start := time.Now()
	_, err := f.Invoke(context.Background(), "primary", PriorityCritical,
		func(ctx context.Context) (any, error) {
			called = true
			return nil, nil
		})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, KindCircuitOpen, KindOf(err))
	assert.False(t, called, "open breaker must not invoke the upstream")
	assert.Less(t, elapsed, 50*time.Millisecond, "rejection is immediate")
}

func TestInvokeRetriesThrottledResponses(t *testing.T) {
	f := New(testFabricConfig(), nil)
	defer f.Close()

	attempts := 0
	result, err := f.Invoke(context.Background(), "primary", PriorityHigh,
		func(ctx context.Context) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, ThrottledError("primary", errors.New("429"))
			}
			return "recovered", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, 3, attempts)

	// Upstream throttling is not a channel fault.
	b, _ := f.Breaker("primary")
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Snapshot().Failures)
}

func TestInvokeUpstreamFailureFeedsBreaker(t *testing.T) {
	f := New(testFabricConfig(), nil)
	defer f.Close()

	boom := errors.New("connection reset")
	_, err := f.Invoke(context.Background(), "primary", PriorityNormal,
		func(ctx context.Context) (any, error) { return nil, boom })
	require.Error(t, err)
	assert.Equal(t, KindUpstream, KindOf(err))
	assert.ErrorIs(t, err, boom)

	b, _ := f.Breaker("primary")
	assert.Equal(t, 1, b.Snapshot().Failures)
}

func TestInvokeTimeoutClassification(t *testing.T) {
	f := New(testFabricConfig(), nil)
	defer f.Close()

	_, err := f.Invoke(context.Background(), "primary", PriorityNormal,
		func(ctx context.Context) (any, error) {
			return nil, context.DeadlineExceeded
		})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestInvokeCancelledContext(t *testing.T) {
	f := New(testFabricConfig(), nil)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := f.Invoke(ctx, "primary", PriorityNormal,
		func(ctx context.Context) (any, error) {
			called = true
			return nil, nil
		})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.False(t, called)
}

func TestInvokeGivesUpWhenDeadlineBeatsBackoff(t *testing.T) {
	f := New(testFabricConfig(), nil)
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := f.Invoke(ctx, "primary", PriorityNormal,
		func(ctx context.Context) (any, error) {
			return nil, ThrottledError("primary", errors.New("429"))
		})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}
