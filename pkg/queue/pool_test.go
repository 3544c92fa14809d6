package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/models"
	"github.com/aegisops/aegis/pkg/orchestrator"
)

// memQueue is an in-memory Store fake mirroring the Postgres claim semantics.
type memQueue struct {
	mu        sync.Mutex
	incidents map[string]*models.QueuedIncident
}

func newMemQueue() *memQueue {
	return &memQueue{incidents: make(map[string]*models.QueuedIncident)}
}

func (q *memQueue) add(id string, createdAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.incidents[id] = &models.QueuedIncident{
		ID:        id,
		Status:    models.QueueStatusPending,
		CreatedAt: createdAt,
	}
}

func (q *memQueue) ClaimNext(_ context.Context, podID string) (*models.QueuedIncident, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []*models.QueuedIncident
	for _, inc := range q.incidents {
		if inc.Status == models.QueueStatusPending {
			pending = append(pending, inc)
		}
	}
	if len(pending) == 0 {
		return nil, ErrNoIncidentsAvailable
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	inc := pending[0]
	inc.Status = models.QueueStatusInProgress
	inc.PodID = podID
	now := time.Now()
	inc.StartedAt = &now
	inc.LastHeartbeat = &now
	out := *inc
	return &out, nil
}

func (q *memQueue) Heartbeat(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if inc, ok := q.incidents[id]; ok {
		now := time.Now()
		inc.LastHeartbeat = &now
	}
	return nil
}

func (q *memQueue) Release(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if inc, ok := q.incidents[id]; ok && inc.Status == models.QueueStatusInProgress {
		inc.Status = models.QueueStatusPending
		inc.PodID = ""
		inc.LastHeartbeat = nil
	}
	return nil
}

func (q *memQueue) RecoverOrphans(_ context.Context, threshold time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, inc := range q.incidents {
		if inc.Status == models.QueueStatusInProgress &&
			inc.LastHeartbeat != nil && inc.LastHeartbeat.Before(threshold) {
			inc.Status = models.QueueStatusPending
			inc.PodID = ""
			inc.LastHeartbeat = nil
			n++
		}
	}
	return n, nil
}

func (q *memQueue) ReleaseByPod(_ context.Context, podID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, inc := range q.incidents {
		if inc.Status == models.QueueStatusInProgress && inc.PodID == podID {
			inc.Status = models.QueueStatusPending
			inc.PodID = ""
			n++
		}
	}
	return n, nil
}

func (q *memQueue) Depth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, inc := range q.incidents {
		if inc.Status == models.QueueStatusPending {
			n++
		}
	}
	return n, nil
}

func (q *memQueue) ActiveByPod(_ context.Context, podID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, inc := range q.incidents {
		if inc.Status == models.QueueStatusInProgress && inc.PodID == podID {
			n++
		}
	}
	return n, nil
}

func (q *memQueue) status(id string) models.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.incidents[id].Status
}

func (q *memQueue) complete(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.incidents[id].Status = models.QueueStatusCompleted
}

// fakeProcessor records processed incident IDs and closes the queue row the
// way the orchestrator does on a terminal phase.
type fakeProcessor struct {
	mu        sync.Mutex
	store     *memQueue
	processed []string
	cancelled int
	err       error
	errOnce   bool          // fail only the first invocation
	block     chan struct{} // when set, Process waits for ctx or the channel
}

func (p *fakeProcessor) ProcessIncident(ctx context.Context, id string) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			p.mu.Lock()
			p.cancelled++
			p.mu.Unlock()
			return ctx.Err()
		}
	}
	p.mu.Lock()
	p.processed = append(p.processed, id)
	calls := len(p.processed)
	p.mu.Unlock()
	if p.err != nil && (!p.errOnce || calls == 1) {
		return p.err
	}
	p.store.complete(id)
	return nil
}

func (p *fakeProcessor) processedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.processed...)
}

func (p *fakeProcessor) cancelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		WorkerCount:             2,
		PollInterval:            10 * time.Millisecond,
		PollJitter:              5 * time.Millisecond,
		HeartbeatInterval:       10 * time.Millisecond,
		OrphanCheckInterval:     20 * time.Millisecond,
		OrphanThreshold:         50 * time.Millisecond,
		GracefulShutdownTimeout: 50 * time.Millisecond,
	}
}

func TestPoolProcessesFIFO(t *testing.T) {
	store := newMemQueue()
	base := time.Now()
	store.add("inc-2", base.Add(time.Second))
	store.add("inc-1", base)
	proc := &fakeProcessor{store: store}

	cfg := testQueueConfig()
	cfg.WorkerCount = 1
	pool := NewWorkerPool("pod-a", store, cfg, proc)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return len(proc.processedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"inc-1", "inc-2"}, proc.processedIDs(),
		"oldest submission claims first")
	assert.Equal(t, models.QueueStatusCompleted, store.status("inc-1"))
}

func TestPoolConcurrentWorkersNeverDoubleClaim(t *testing.T) {
	store := newMemQueue()
	base := time.Now()
	for i := 0; i < 20; i++ {
		store.add(string(rune('a'+i)), base.Add(time.Duration(i)*time.Millisecond))
	}
	proc := &fakeProcessor{store: store}

	cfg := testQueueConfig()
	cfg.WorkerCount = 4
	pool := NewWorkerPool("pod-a", store, cfg, proc)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return len(proc.processedIDs()) == 20
	}, 5*time.Second, 10*time.Millisecond)

	seen := make(map[string]int)
	for _, id := range proc.processedIDs() {
		seen[id]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "incident %s processed more than once", id)
	}
}

func TestPoolReleasesIncidentOnShutdown(t *testing.T) {
	store := newMemQueue()
	store.add("inc-1", time.Now())
	proc := &fakeProcessor{store: store, block: make(chan struct{})}

	cfg := testQueueConfig()
	cfg.WorkerCount = 1
	pool := NewWorkerPool("pod-a", store, cfg, proc)
	require.NoError(t, pool.Start(context.Background()))

	require.Eventually(t, func() bool {
		return store.status("inc-1") == models.QueueStatusInProgress
	}, 2*time.Second, 5*time.Millisecond)

	// Stop while the processor is blocked; the graceful window expires and
	// the claim goes back to pending for another pod to resume.
	pool.Stop()
	assert.Equal(t, models.QueueStatusPending, store.status("inc-1"))
}

func TestPoolReleasesClaimWhenProcessorFails(t *testing.T) {
	store := newMemQueue()
	store.add("inc-1", time.Now())
	proc := &fakeProcessor{store: store, err: errors.New("transient failure"), errOnce: true}

	cfg := testQueueConfig()
	cfg.WorkerCount = 1
	pool := NewWorkerPool("pod-a", store, cfg, proc)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	// The failed claim is released, re-claimed, and completes on the retry.
	require.Eventually(t, func() bool {
		return store.status("inc-1") == models.QueueStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, len(proc.processedIDs()), 2)
}

func TestPoolBacksOffAfterProcessingFailure(t *testing.T) {
	store := newMemQueue()
	store.add("inc-1", time.Now())
	proc := &fakeProcessor{store: store, err: errors.New("poisoned incident")}

	cfg := testQueueConfig()
	cfg.WorkerCount = 2
	pool := NewWorkerPool("pod-a", store, cfg, proc)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return len(proc.processedIDs()) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// The claim is released, but a persistently failing incident must not
	// bounce hot between release and re-claim at the head of the queue.
	time.Sleep(400 * time.Millisecond)
	assert.LessOrEqual(t, len(proc.processedIDs()), 2,
		"failing incident re-claimed without backoff")
	assert.Equal(t, models.QueueStatusPending, store.status("inc-1"))
}

func TestPoolLeaveRowAloneOnLeaseLost(t *testing.T) {
	store := newMemQueue()
	store.add("inc-1", time.Now())
	proc := &fakeProcessor{store: store, err: orchestrator.ErrLeaseLost}

	cfg := testQueueConfig()
	cfg.WorkerCount = 1
	pool := NewWorkerPool("pod-a", store, cfg, proc)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return len(proc.processedIDs()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// The row belongs to the new owner; this pod must not reset it.
	assert.Equal(t, models.QueueStatusInProgress, store.status("inc-1"))
}

func TestStartupSweepReleasesPreviousClaims(t *testing.T) {
	store := newMemQueue()
	store.add("inc-1", time.Now())
	_, err := store.ClaimNext(context.Background(), "pod-a")
	require.NoError(t, err)
	require.Equal(t, models.QueueStatusInProgress, store.status("inc-1"))

	proc := &fakeProcessor{store: store}
	pool := NewWorkerPool("pod-a", store, testQueueConfig(), proc)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	// The sweep released the stale claim, so a worker re-claims and finishes.
	require.Eventually(t, func() bool {
		return store.status("inc-1") == models.QueueStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrphanDetectionReleasesStaleClaims(t *testing.T) {
	store := newMemQueue()
	store.add("inc-1", time.Now())

	// Another pod claimed and died; its heartbeat is frozen in the past.
	_, err := store.ClaimNext(context.Background(), "pod-dead")
	require.NoError(t, err)
	stale := time.Now().Add(-time.Hour)
	store.mu.Lock()
	store.incidents["inc-1"].LastHeartbeat = &stale
	store.mu.Unlock()

	proc := &fakeProcessor{store: store}
	cfg := testQueueConfig()
	cfg.WorkerCount = 1
	pool := NewWorkerPool("pod-b", store, cfg, proc)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return store.status("inc-1") == models.QueueStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	health := pool.Health()
	assert.GreaterOrEqual(t, health.OrphansRecovered, 1)
}

func TestPoolCancelIncident(t *testing.T) {
	store := newMemQueue()
	store.add("inc-1", time.Now())
	proc := &fakeProcessor{store: store, block: make(chan struct{})}

	cfg := testQueueConfig()
	cfg.WorkerCount = 1
	pool := NewWorkerPool("pod-a", store, cfg, proc)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return pool.CancelIncident("inc-1")
	}, 2*time.Second, 5*time.Millisecond)

	// Cancellation interrupts processing; the claim is released and the
	// incident re-enters the queue.
	require.Eventually(t, func() bool {
		return proc.cancelCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, pool.CancelIncident("inc-unknown"))
}

func TestPoolHealth(t *testing.T) {
	store := newMemQueue()
	store.add("inc-1", time.Now())
	store.add("inc-2", time.Now())
	proc := &fakeProcessor{store: store, block: make(chan struct{})}

	cfg := testQueueConfig()
	cfg.WorkerCount = 1
	pool := NewWorkerPool("pod-a", store, cfg, proc)
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(proc.block)
		pool.Stop()
	}()

	require.Eventually(t, func() bool {
		h := pool.Health()
		return h.ActiveWorkers == 1 && h.ActiveIncidents == 1 && h.QueueDepth == 1
	}, 2*time.Second, 10*time.Millisecond)

	h := pool.Health()
	assert.True(t, h.IsHealthy)
	assert.True(t, h.DBReachable)
	assert.Equal(t, "pod-a", h.PodID)
	assert.Len(t, h.WorkerStats, 1)
}
