package fabric

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Priority orders queued requests; lower numbers are served first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// waiter is one queued acquisition.
type waiter struct {
	priority Priority
	seq      uint64 // FIFO within a priority level
	ready    chan struct{}
	index    int
}

// waitQueue is a heap ordered by (priority, arrival).
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }
func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}
func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return w
}

// Limiter is a token-bucket rate limiter with a bounded priority wait queue.
// Tokens come from an x/time/rate bucket; when the bucket is empty callers
// park in the queue and a dispatcher hands out tokens strictly in priority
// order as they refill.
type Limiter struct {
	channel   string
	limiter   *rate.Limiter
	waitBound time.Duration

	mu    sync.Mutex
	queue waitQueue
	seq   uint64

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewLimiter creates a limiter refilling at perMinute/60 tokens per second
// with the given burst, bounding queue waits at waitBound.
func NewLimiter(channel string, perMinute float64, burst int, waitBound time.Duration) *Limiter {
	l := &Limiter{
		channel:   channel,
		limiter:   rate.NewLimiter(rate.Limit(perMinute/60.0), burst),
		waitBound: waitBound,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go l.dispatch()
	return l
}

// Acquire blocks until a token is granted, the caller's context ends, or the
// queue wait bound elapses. Grant order is priority-then-arrival, never
// bucket-race order.
func (l *Limiter) Acquire(ctx context.Context, priority Priority) error {
	l.mu.Lock()
	// Fast path: empty queue and a token available right now.
	if l.queue.Len() == 0 && l.limiter.Allow() {
		l.mu.Unlock()
		return nil
	}
	w := &waiter{priority: priority, seq: l.seq, ready: make(chan struct{})}
	l.seq++
	heap.Push(&l.queue, w)
	l.mu.Unlock()
	l.kick()

	bound := time.NewTimer(l.waitBound)
	defer bound.Stop()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.abandon(w)
		return newError(KindTimeout, l.channel, ctx.Err())
	case <-bound.C:
		l.abandon(w)
		return newError(KindThrottled, l.channel,
			fmt.Errorf("queue wait exceeded %s", l.waitBound))
	}
}

// QueueDepth returns the number of parked waiters.
func (l *Limiter) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// Close stops the dispatcher. Parked waiters drain via their own deadlines.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

// dispatch grants tokens to the head of the queue as the bucket refills.
func (l *Limiter) dispatch() {
	for {
		l.mu.Lock()
		if l.queue.Len() == 0 {
			l.mu.Unlock()
			select {
			case <-l.wake:
				continue
			case <-l.done:
				return
			}
		}

		res := l.limiter.Reserve()
		if !res.OK() {
			// Burst 0 never grants; treat as an idle wait.
			l.mu.Unlock()
			select {
			case <-l.wake:
			case <-l.done:
				return
			}
			continue
		}
		delay := res.Delay()
		if delay > 0 {
			// Put the token back while we sleep; re-reserve on wake so an
			// abandoned waiter doesn't strand a reservation.
			res.Cancel()
			l.mu.Unlock()
			select {
			case <-time.After(delay):
			case <-l.done:
				return
			}
			continue
		}

		w := heap.Pop(&l.queue).(*waiter)
		l.mu.Unlock()
		close(w.ready)
	}
}

// abandon removes a waiter that timed out; if it was already granted the
// token is released back to the bucket's future.
func (l *Limiter) abandon(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-w.ready:
		// Granted concurrently with the timeout; the token is spent. Nothing
		// to reclaim from a token bucket without double-granting.
		return
	default:
	}
	if w.index >= 0 && w.index < l.queue.Len() && l.queue[w.index] == w {
		heap.Remove(&l.queue, w.index)
	}
}

func (l *Limiter) kick() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
