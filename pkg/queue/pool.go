package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aegisops/aegis/pkg/config"
)

// WorkerPool manages a pool of queue workers.
type WorkerPool struct {
	podID     string
	store     Store
	config    *config.QueueConfig
	processor Processor
	workers   []*Worker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Claim registry: incident_id → cancel function
	activeIncidents map[string]context.CancelFunc
	mu              sync.RWMutex
	started         bool

	// Orphan detection state
	orphans orphanState
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, store Store, cfg *config.QueueConfig, processor Processor) *WorkerPool {
	return &WorkerPool{
		podID:           podID,
		store:           store,
		config:          cfg,
		processor:       processor,
		workers:         make([]*Worker, 0, cfg.WorkerCount),
		stopCh:          make(chan struct{}),
		activeIncidents: make(map[string]context.CancelFunc),
	}
}

// Start spawns worker goroutines and the orphan detection background task.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	// Startup sweep: release anything a previous run of this pod left claimed.
	if released, err := p.store.ReleaseByPod(ctx, p.podID); err != nil {
		slog.Error("Startup orphan sweep failed", "pod_id", p.podID, "error", err)
	} else if released > 0 {
		slog.Warn("Released incidents claimed by a previous run",
			"pod_id", p.podID, "count", released)
	}

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.store, p.config, p.processor, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish. Workers get
// the graceful shutdown window to finish their current incident; past it the
// incident is released back to the queue for another pod to resume.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeIncidentIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active incidents to complete",
			"count", len(active),
			"incident_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterIncident stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterIncident(incidentID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeIncidents[incidentID] = cancel
}

// UnregisterIncident removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterIncident(incidentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeIncidents, incidentID)
}

// CancelIncident triggers context cancellation for an incident on this pod.
// Returns true if the incident was found and cancelled here.
func (p *WorkerPool) CancelIncident(incidentID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeIncidents[incidentID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.store.Depth(ctx)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID, "error", errQ)
	}

	activeIncidents, errA := p.store.ActiveByPod(ctx, p.podID)
	if errA != nil {
		slog.Error("Failed to query active incidents for health check",
			"pod_id", p.podID, "error", errA)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	// DB errors affect health status - if we can't reach the DB, we're not healthy
	dbHealthy := errQ == nil && errA == nil
	isHealthy := len(p.workers) > 0 && dbHealthy

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRecovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	var dbError string
	if !dbHealthy {
		if errQ != nil {
			dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
		} else if errA != nil {
			dbError = fmt.Sprintf("active incidents query failed: %v", errA)
		}
	}

	return &PoolHealth{
		IsHealthy:        isHealthy,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		ActiveIncidents:  activeIncidents,
		QueueDepth:       queueDepth,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}

// activeIncidentIDs returns IDs of currently processing incidents (for logging).
func (p *WorkerPool) activeIncidentIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeIncidents))
	for id := range p.activeIncidents {
		ids = append(ids, id)
	}
	return ids
}
