// Package cleanup enforces the retention policy: terminal incidents past the
// archival age move to the cold tier.
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisops/aegis/pkg/config"
)

// Archiver moves a batch of old terminal incidents to the cold tier.
// Returns how many rows were archived. Idempotent and safe to run from
// multiple pods.
type Archiver interface {
	ArchiveOlderThan(ctx context.Context, cutoff time.Time, batch int) (int, error)
}

// PostgresArchiver flips the archived flag; the rows and their event streams
// stay queryable but drop out of the active working set.
type PostgresArchiver struct {
	db *sql.DB
}

// NewPostgresArchiver wraps the shared pool.
func NewPostgresArchiver(db *sql.DB) *PostgresArchiver {
	return &PostgresArchiver{db: db}
}

// ArchiveOlderThan implements Archiver.
func (a *PostgresArchiver) ArchiveOlderThan(ctx context.Context, cutoff time.Time, batch int) (int, error) {
	res, err := a.db.ExecContext(ctx, `
		UPDATE incidents SET archived = true
		WHERE id IN (
			SELECT id FROM incidents
			WHERE status IN ('completed', 'escalated')
			  AND NOT archived
			  AND completed_at < $1
			ORDER BY completed_at
			LIMIT $2
		)`, cutoff, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to archive incidents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count archived incidents: %w", err)
	}
	return int(n), nil
}

// Service periodically archives incidents past the retention age.
type Service struct {
	config   *config.RetentionConfig
	archiver Archiver
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, archiver Archiver) *Service {
	return &Service{
		config:   cfg,
		archiver: archiver,
		now:      time.Now,
	}
}

// Start launches the background archival loop.
func (s *Service) Start(ctx context.Context) {
	if !s.config.Enabled || s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"archive_after", s.config.ArchiveAfter,
		"interval", s.config.SweepInterval)
}

// Stop signals the archival loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep drains eligible rows in batches so one long-overdue backlog cannot
// hold a transaction open for minutes.
func (s *Service) sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.config.ArchiveAfter)
	total := 0
	for {
		n, err := s.archiver.ArchiveOlderThan(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			slog.Error("Retention: archive sweep failed", "error", err)
			return
		}
		total += n
		if n < s.config.BatchSize {
			break
		}
	}
	if total > 0 {
		slog.Info("Retention: archived old incidents", "count", total)
	}
}
