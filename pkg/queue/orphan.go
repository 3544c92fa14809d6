package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically scans for orphaned incidents.
// All pods run this independently — the release is idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.recoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// recoverOrphans releases in-progress incidents with stale heartbeats back to
// pending. The next worker to claim one resumes it from replay; nothing is
// lost because every completed step is already durable in the event stream.
func (p *WorkerPool) recoverOrphans(ctx context.Context) error {
	threshold := time.Now().Add(-p.config.OrphanThreshold)

	recovered, err := p.store.RecoverOrphans(ctx, threshold)
	if err != nil {
		return err
	}
	if recovered > 0 {
		slog.Warn("Released orphaned incidents back to queue", "count", recovered)
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()
	return nil
}
