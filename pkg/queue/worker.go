package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/orchestrator"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes incidents.
type Worker struct {
	id        string
	podID     string
	store     Store
	config    *config.QueueConfig
	processor Processor
	pool      IncidentRegistry
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu                 sync.RWMutex
	status             WorkerStatus
	currentIncidentID  string
	incidentsProcessed int
	lastActivity       time.Time
}

// IncidentRegistry is the subset of WorkerPool used by Worker for claim
// registration.
type IncidentRegistry interface {
	RegisterIncident(incidentID string, cancel context.CancelFunc)
	UnregisterIncident(incidentID string)
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, store Store, cfg *config.QueueConfig, processor Processor, pool IncidentRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        store,
		config:       cfg,
		processor:    processor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// incident. It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                 w.id,
		Status:             string(w.status),
		CurrentIncidentID:  w.currentIncidentID,
		IncidentsProcessed: w.incidentsProcessed,
		LastActivity:       w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoIncidentsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing incident", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next pending incident and drives it through the
// processor. The claim is the worker's lease: the processor stops on its own
// when the lease is lost, and the worker releases the lease back to pending
// when processing is interrupted by shutdown.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	inc, err := w.store.ClaimNext(ctx, w.podID)
	if err != nil {
		return err
	}

	log := slog.With("incident_id", inc.ID, "worker_id", w.id)
	log.Info("Incident claimed")

	w.setStatus(WorkerStatusWorking, inc.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// Processing context, cancellable by shutdown or the operational API.
	procCtx, cancelProc := context.WithCancel(ctx)
	defer cancelProc()
	w.pool.RegisterIncident(inc.ID, cancelProc)
	defer w.pool.UnregisterIncident(inc.ID)

	// Stop cancels processing after the graceful window; the released claim
	// is picked up by another worker which resumes from replay.
	stopWatcher := make(chan struct{})
	defer close(stopWatcher)
	go func() {
		select {
		case <-w.stopCh:
			timer := time.NewTimer(w.config.GracefulShutdownTimeout)
			defer timer.Stop()
			select {
			case <-timer.C:
				cancelProc()
			case <-stopWatcher:
			}
		case <-stopWatcher:
		}
	}()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(procCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, inc.ID)

	err = w.processor.ProcessIncident(procCtx, inc.ID)
	cancelHeartbeat()

	w.mu.Lock()
	w.incidentsProcessed++
	w.mu.Unlock()

	switch {
	case err == nil:
		// Terminal: the processor already closed the queue row.
	case errors.Is(err, orchestrator.ErrLeaseLost):
		// Another owner has the incident; the row is not ours to touch.
		log.Warn("Incident lease lost to another owner")
	case errors.Is(err, orchestrator.ErrOutageBudgetExceeded):
		// The processor escalated and closed the row as best it could.
		log.Error("Incident escalated after event store outage")
	case procCtx.Err() != nil:
		// Interrupted, not failed: hand the incident back to the queue.
		log.Info("Processing interrupted; releasing incident to queue")
		if relErr := w.store.Release(context.Background(), inc.ID); relErr != nil {
			log.Error("Failed to release interrupted incident", "error", relErr)
		}
	default:
		// Release the claim and surface the error so the poll loop backs off
		// before the next attempt; a released FIFO-first incident that keeps
		// failing must not spin hot between release and re-claim.
		if relErr := w.store.Release(context.Background(), inc.ID); relErr != nil {
			log.Error("Failed to release failed incident", "error", relErr)
		}
		return fmt.Errorf("incident %s processing failed: %w", inc.ID, err)
	}

	log.Info("Incident processing complete")
	return nil
}

// runHeartbeat periodically refreshes the claim for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, incidentID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, incidentID); err != nil {
				slog.Warn("Heartbeat update failed", "incident_id", incidentID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollJitter
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(jitter)))
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, incidentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentIncidentID = incidentID
	w.lastActivity = time.Now()
}
