package fabric

import (
	"sync"
	"time"

	"github.com/aegisops/aegis/pkg/config"
)

// State is a circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects immediately.
	StateOpen
	// StateHalfOpen admits a bounded number of probes.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerMetrics receives breaker observability hooks.
type BreakerMetrics interface {
	RecordStateChange(channel string, from, to State)
	RecordRejection(channel string)
}

// Breaker is a consecutive-failure circuit breaker: FailureBudget consecutive
// failures open it; after OpenInterval it admits up to HalfOpenProbes probe
// calls and needs CloseSuccesses consecutive probe successes to close.
//
// The now func is injectable so tests drive state transitions without
// sleeping.
type Breaker struct {
	channel string
	cfg     config.BreakerConfig
	metrics BreakerMetrics
	now     func() time.Time

	mu              sync.Mutex
	state           State
	failures        int       // consecutive failures while closed
	openedAt        time.Time // when the breaker last opened
	probesInFlight  int
	probeSuccesses  int
	lastTransition  time.Time
	totalRejections int64
}

// NewBreaker creates a closed breaker for a channel.
func NewBreaker(channel string, cfg config.BreakerConfig, metrics BreakerMetrics) *Breaker {
	return &Breaker{
		channel: channel,
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
	}
}

// Allow reports whether a call may proceed. Callers that receive true MUST
// follow up with exactly one Success or Failure; half-open probe accounting
// depends on it.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenInterval {
			b.transition(StateHalfOpen)
			b.probesInFlight = 1
			return true
		}
		b.reject()
		return false
	case StateHalfOpen:
		if b.probesInFlight >= b.cfg.HalfOpenProbes {
			b.reject()
			return false
		}
		b.probesInFlight++
		return true
	}
	return false
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.CloseSuccesses {
			b.transition(StateClosed)
		}
	}
}

// Cancel releases an Allow grant whose call never reached the upstream
// (rate-limit timeout, caller deadline). It frees the probe slot without
// counting toward close or reopen.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probesInFlight > 0 {
		b.probesInFlight--
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureBudget {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// A single failed probe reopens.
		b.transition(StateOpen)
	}
}

// Snapshot returns the breaker's observable state for metrics and the ops API.
type BreakerSnapshot struct {
	Channel        string    `json:"channel"`
	State          string    `json:"state"`
	Failures       int       `json:"consecutive_failures"`
	Rejections     int64     `json:"rejections"`
	LastTransition time.Time `json:"last_transition"`
}

// Snapshot returns current observable state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Channel:        b.channel,
		State:          b.state.String(),
		Failures:       b.failures,
		Rejections:     b.totalRejections,
		LastTransition: b.lastTransition,
	}
}

// State returns the current state. Only Allow advances Open to HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition moves to a new state; caller holds the lock.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastTransition = b.now()
	switch to {
	case StateOpen:
		b.openedAt = b.lastTransition
		b.failures = 0
		b.probesInFlight = 0
		b.probeSuccesses = 0
	case StateHalfOpen:
		b.probesInFlight = 0
		b.probeSuccesses = 0
	case StateClosed:
		b.failures = 0
	}
	if b.metrics != nil {
		b.metrics.RecordStateChange(b.channel, from, to)
	}
}

func (b *Breaker) reject() {
	b.totalRejections++
	if b.metrics != nil {
		b.metrics.RecordRejection(b.channel)
	}
}
