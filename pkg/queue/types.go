// Package queue provides the incident queue worker pool: claiming, heartbeat,
// orphan recovery, and graceful shutdown.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/aegisops/aegis/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoIncidentsAvailable indicates no pending incidents are in the queue.
	ErrNoIncidentsAvailable = errors.New("no incidents available")
)

// Processor drives one claimed incident to a terminal phase. The worker only
// handles claiming, heartbeat, and lease release; everything between Detected
// and a terminal phase belongs to the processor.
type Processor interface {
	ProcessIncident(ctx context.Context, incidentID string) error
}

// Store is the scheduling-state persistence used by the pool and its workers.
// The production implementation is PostgresQueue; unit tests substitute an
// in-memory fake.
type Store interface {
	// ClaimNext atomically claims the oldest pending incident for podID.
	// Returns ErrNoIncidentsAvailable when the queue is empty.
	ClaimNext(ctx context.Context, podID string) (*models.QueuedIncident, error)

	// Heartbeat refreshes the claim on an in-progress incident.
	Heartbeat(ctx context.Context, incidentID string) error

	// Release returns an in-progress incident to pending so another worker
	// can claim it and resume from replay.
	Release(ctx context.Context, incidentID string) error

	// RecoverOrphans releases in-progress incidents whose heartbeat is older
	// than threshold. Returns how many were released.
	RecoverOrphans(ctx context.Context, threshold time.Time) (int, error)

	// ReleaseByPod releases every in-progress incident claimed by podID.
	// Used by the startup sweep after a crash of a previous run.
	ReleaseByPod(ctx context.Context, podID string) (int, error)

	// Depth counts pending incidents.
	Depth(ctx context.Context) (int, error)

	// ActiveByPod counts in-progress incidents claimed by podID.
	ActiveByPod(ctx context.Context, podID string) (int, error)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveIncidents  int            `json:"active_incidents"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID                 string    `json:"id"`
	Status             string    `json:"status"` // "idle" or "working"
	CurrentIncidentID  string    `json:"current_incident_id,omitempty"`
	IncidentsProcessed int       `json:"incidents_processed"`
	LastActivity       time.Time `json:"last_activity"`
}
