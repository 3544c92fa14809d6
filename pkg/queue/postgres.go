package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aegisops/aegis/pkg/models"
)

// PostgresQueue is the production queue store. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never block each other and
// never double-claim.
type PostgresQueue struct {
	db *sql.DB
}

// NewPostgresQueue wraps the shared pool.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

// ClaimNext implements Store.
func (q *PostgresQueue) ClaimNext(ctx context.Context, podID string) (*models.QueuedIncident, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM incidents
		WHERE status = 'pending' AND NOT archived
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoIncidentsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending incident: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE incidents
		SET status = 'in_progress',
		    pod_id = $2,
		    started_at = COALESCE(started_at, now()),
		    last_heartbeat_at = now()
		WHERE id = $1
		RETURNING id, idempotency_key, status, severity, service_tier, pod_id,
		          created_at, started_at, completed_at, last_heartbeat_at, archived`,
		id, podID)

	rec, err := scanIncident(row)
	if err != nil {
		return nil, fmt.Errorf("failed to claim incident %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return rec, nil
}

// Heartbeat implements Store.
func (q *PostgresQueue) Heartbeat(ctx context.Context, incidentID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE incidents SET last_heartbeat_at = now()
		WHERE id = $1 AND status = 'in_progress'`, incidentID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// Release implements Store.
func (q *PostgresQueue) Release(ctx context.Context, incidentID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE incidents
		SET status = 'pending', pod_id = NULL, last_heartbeat_at = NULL
		WHERE id = $1 AND status = 'in_progress'`, incidentID)
	if err != nil {
		return fmt.Errorf("failed to release incident %s: %w", incidentID, err)
	}
	return nil
}

// RecoverOrphans implements Store.
func (q *PostgresQueue) RecoverOrphans(ctx context.Context, threshold time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE incidents
		SET status = 'pending', pod_id = NULL, last_heartbeat_at = NULL
		WHERE status = 'in_progress' AND last_heartbeat_at < $1`, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered orphans: %w", err)
	}
	return int(n), nil
}

// ReleaseByPod implements Store.
func (q *PostgresQueue) ReleaseByPod(ctx context.Context, podID string) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE incidents
		SET status = 'pending', pod_id = NULL, last_heartbeat_at = NULL
		WHERE status = 'in_progress' AND pod_id = $1`, podID)
	if err != nil {
		return 0, fmt.Errorf("failed to release incidents for pod %s: %w", podID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count released incidents: %w", err)
	}
	return int(n), nil
}

// Depth implements Store.
func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT count(*) FROM incidents
		WHERE status = 'pending' AND NOT archived`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to query queue depth: %w", err)
	}
	return n, nil
}

// ActiveByPod implements Store.
func (q *PostgresQueue) ActiveByPod(ctx context.Context, podID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT count(*) FROM incidents
		WHERE status = 'in_progress' AND pod_id = $1`, podID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to query active incidents: %w", err)
	}
	return n, nil
}

func scanIncident(row *sql.Row) (*models.QueuedIncident, error) {
	var rec models.QueuedIncident
	var podID sql.NullString
	err := row.Scan(&rec.ID, &rec.IdempotencyKey, &rec.Status, &rec.Severity, &rec.ServiceTier,
		&podID, &rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt, &rec.LastHeartbeat, &rec.Archived)
	if err != nil {
		return nil, err
	}
	rec.PodID = podID.String
	return &rec, nil
}
