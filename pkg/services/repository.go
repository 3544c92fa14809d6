package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aegisops/aegis/pkg/models"
)

// IncidentRepo is the scheduling-state persistence seam. The production
// implementation is PostgresRepo; unit tests substitute an in-memory fake.
type IncidentRepo interface {
	// Insert creates the incident row in pending status. Returns
	// ErrAlreadyExists when the idempotency key is already taken.
	Insert(ctx context.Context, rec *models.QueuedIncident) error

	// Get returns one incident row. Returns ErrNotFound.
	Get(ctx context.Context, id string) (*models.QueuedIncident, error)

	// FindByIdempotencyKey returns the incident submitted with the key at or
	// after since. Returns ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, key string, since time.Time) (*models.QueuedIncident, error)

	// ActiveCount counts pending and in-progress incidents.
	ActiveCount(ctx context.Context) (int, error)

	// SetStatus moves an incident's queue status, stamping completed_at on
	// terminal states.
	SetStatus(ctx context.Context, id string, status models.QueueStatus) error
}

// PostgresRepo is the production incident repository.
type PostgresRepo struct {
	db *sql.DB
}

// NewPostgresRepo wraps the shared pool.
func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const uniqueViolation = "23505"

// Insert implements IncidentRepo.
func (r *PostgresRepo) Insert(ctx context.Context, rec *models.QueuedIncident) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO incidents (id, idempotency_key, status, severity, service_tier, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.IdempotencyKey, rec.Status, rec.Severity, rec.ServiceTier, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: idempotency key %s", ErrAlreadyExists, rec.IdempotencyKey)
		}
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

// Get implements IncidentRepo.
func (r *PostgresRepo) Get(ctx context.Context, id string) (*models.QueuedIncident, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, selectIncident+` WHERE id = $1`, id))
}

// FindByIdempotencyKey implements IncidentRepo.
func (r *PostgresRepo) FindByIdempotencyKey(ctx context.Context, key string, since time.Time) (*models.QueuedIncident, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		selectIncident+` WHERE idempotency_key = $1 AND created_at >= $2`, key, since))
}

// ActiveCount implements IncidentRepo.
func (r *PostgresRepo) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM incidents
		WHERE status IN ('pending', 'in_progress') AND NOT archived`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active incidents: %w", err)
	}
	return n, nil
}

// SetStatus implements IncidentRepo.
func (r *PostgresRepo) SetStatus(ctx context.Context, id string, status models.QueueStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE incidents
		SET status = $2,
		    completed_at = CASE WHEN $2 IN ('completed', 'escalated') THEN now() ELSE completed_at END
		WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update incident status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check status update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectIncident = `
	SELECT id, idempotency_key, status, severity, service_tier, pod_id,
	       created_at, started_at, completed_at, last_heartbeat_at, archived
	FROM incidents`

func (r *PostgresRepo) scanOne(row *sql.Row) (*models.QueuedIncident, error) {
	var rec models.QueuedIncident
	var podID sql.NullString
	err := row.Scan(&rec.ID, &rec.IdempotencyKey, &rec.Status, &rec.Severity, &rec.ServiceTier,
		&podID, &rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt, &rec.LastHeartbeat, &rec.Archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}
	rec.PodID = podID.String
	return &rec, nil
}
