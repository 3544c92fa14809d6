package fabric

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/aegisops/aegis/pkg/config"
)

// Call is the upstream operation executed under the fabric's protection.
type Call func(ctx context.Context) (any, error)

// Fabric owns one limiter and one breaker per configured channel. It is an
// explicit value passed into every component; lifecycle is process-scoped
// with New/Close.
type Fabric struct {
	cfg      config.FabricConfig
	metrics  *Metrics
	limiters map[string]*Limiter
	breakers map[string]*Breaker

	jitterMu sync.Mutex
	jitter   *rand.Rand
}

// New builds the fabric from configuration. metrics may be nil.
func New(cfg config.FabricConfig, metrics *Metrics) *Fabric {
	f := &Fabric{
		cfg:      cfg,
		metrics:  metrics,
		limiters: make(map[string]*Limiter, len(cfg.Channels)),
		breakers: make(map[string]*Breaker, len(cfg.Channels)),
		jitter:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for name, ch := range cfg.Channels {
		f.limiters[name] = NewLimiter(name, ch.RequestsPerMinute, ch.Burst, cfg.QueueWaitBound)
		f.breakers[name] = NewBreaker(name, cfg.Breaker, metrics)
	}
	return f
}

// Close stops the per-channel dispatchers.
func (f *Fabric) Close() {
	for _, l := range f.limiters {
		l.Close()
	}
}

// Breaker returns the breaker for a channel, for snapshots and tests.
func (f *Fabric) Breaker(channel string) (*Breaker, bool) {
	b, ok := f.breakers[channel]
	return b, ok
}

// Snapshots returns breaker snapshots for the ops API, ordered by channel.
func (f *Fabric) Snapshots() []BreakerSnapshot {
	out := make([]BreakerSnapshot, 0, len(f.breakers))
	for _, b := range f.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Invoke runs call through the named channel: breaker check, token
// acquisition in priority order, then the call itself. Throttling errors are
// retried with jittered exponential backoff while the caller's deadline
// allows; every other failure propagates after informing the breaker.
func (f *Fabric) Invoke(ctx context.Context, channel string, priority Priority, call Call) (any, error) {
	limiter, ok := f.limiters[channel]
	if !ok {
		return nil, newError(KindUpstream, channel, fmt.Errorf("unknown channel"))
	}
	breaker := f.breakers[channel]

	for retry := 0; ; retry++ {
		result, err := f.attempt(ctx, channel, priority, limiter, breaker, call)
		if err == nil {
			f.metrics.recordInvocation(channel, "success")
			return result, nil
		}

		kind := KindOf(err)
		f.metrics.recordInvocation(channel, string(kind))
		if kind != KindThrottled {
			return nil, err
		}

		// Backoff: min(retry ceiling, 2^retry seconds + uniform(0,1)).
		if waitErr := f.sleepBackoff(ctx, retry); waitErr != nil {
			return nil, newError(KindTimeout, channel, waitErr)
		}
	}
}

func (f *Fabric) attempt(ctx context.Context, channel string, priority Priority, limiter *Limiter, breaker *Breaker, call Call) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(KindTimeout, channel, err)
	}
	if !breaker.Allow() {
		return nil, newError(KindCircuitOpen, channel, nil)
	}

	start := time.Now()
	if err := limiter.Acquire(ctx, priority); err != nil {
		// The upstream was never reached; free the probe slot without
		// counting an outcome.
		breaker.Cancel()
		return nil, err
	}
	f.metrics.recordQueueWait(channel, time.Since(start).Seconds())
	f.metrics.recordQueueDepth(channel, limiter.QueueDepth())

	result, err := call(ctx)
	if err == nil {
		breaker.Success()
		return result, nil
	}

	switch KindOf(err) {
	case KindThrottled:
		// Upstream pushback is not a channel fault; retry after backoff.
		breaker.Cancel()
	default:
		breaker.Failure()
	}
	if fe, ok := err.(*Error); ok {
		return nil, fe
	}
	return nil, newError(KindOf(err), channel, err)
}

func (f *Fabric) sleepBackoff(ctx context.Context, retry int) error {
	backoff := time.Duration(math.Pow(2, float64(retry))) * time.Second
	f.jitterMu.Lock()
	backoff += time.Duration(f.jitter.Float64() * float64(time.Second))
	f.jitterMu.Unlock()
	if backoff > f.cfg.RetryCeiling {
		backoff = f.cfg.RetryCeiling
	}

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ThrottledError marks an upstream error as a throttling response so Invoke
// retries it with backoff.
func ThrottledError(channel string, err error) error {
	return newError(KindThrottled, channel, err)
}
