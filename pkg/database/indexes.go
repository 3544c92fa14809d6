package database

import (
	"context"
	"database/sql"
	"fmt"
)

// createIndexes creates the GIN indexes golang-migrate's transactional runner
// cannot build concurrently. Idempotent; applied after every migration pass.
func createIndexes(ctx context.Context, db *sql.DB) error {
	// Payload search for the ops API (events by affected service, action id).
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_incident_events_payload_gin
		ON incident_events USING gin(payload jsonb_path_ops)`)
	if err != nil {
		return fmt.Errorf("failed to create payload GIN index: %w", err)
	}

	return nil
}
