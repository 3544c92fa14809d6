// Package fabric is the chokepoint for every outbound call: per-channel token
// bucket rate limiting with priority queueing, circuit breaking, retry with
// jittered backoff, and model routing.
package fabric

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies fabric failures. Callers branch on kind, not message.
type Kind string

const (
	// KindThrottled: the channel's token bucket stayed empty past the queue
	// wait bound, or the upstream returned a throttling response.
	KindThrottled Kind = "throttled"

	// KindCircuitOpen: the channel's breaker is open; the upstream was not
	// invoked.
	KindCircuitOpen Kind = "circuit_open"

	// KindTimeout: the caller's deadline expired.
	KindTimeout Kind = "timeout"

	// KindUpstream: the upstream call itself failed.
	KindUpstream Kind = "upstream"
)

// Error is the fabric's error envelope.
type Error struct {
	Kind    Kind
	Channel string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fabric %s on channel %s: %v", e.Kind, e.Channel, e.Err)
	}
	return fmt.Sprintf("fabric %s on channel %s", e.Kind, e.Channel)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the fabric kind from an error chain; context deadline
// errors without an envelope classify as timeouts.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUpstream
}

// Throttled reports whether err should trigger backoff-and-retry.
func Throttled(err error) bool { return KindOf(err) == KindThrottled }

func newError(kind Kind, channel string, err error) *Error {
	return &Error{Kind: kind, Channel: channel, Err: err}
}
