package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aegisops/aegis/pkg/models"
)

// uniqueViolation is the PostgreSQL error code raised when two writers race
// to the same (incident_id, seq) slot.
const uniqueViolation = "23505"

// PostgresStore persists event streams in the incident_events table. The
// composite primary key (incident_id, seq) is the ordering arbiter: a writer
// that loses an optimistic race hits the constraint and gets
// ErrOrderingConflict.
type PostgresStore struct {
	db         *sql.DB
	partitions int
}

// NewPostgresStore creates a store over an open pool. partitions sets the
// hot-partition count events are bucketed into.
func NewPostgresStore(db *sql.DB, partitions int) *PostgresStore {
	if partitions <= 0 {
		partitions = 1
	}
	return &PostgresStore{db: db, partitions: partitions}
}

// Append implements Store. The insert and its NOTIFY run in one transaction;
// pg_notify is held until COMMIT, so subscribers never see an event that was
// rolled back.
func (s *PostgresStore) Append(ctx context.Context, expectedSeq int64, ev *models.IncidentEvent) error {
	if !models.KnownKind(ev.Kind) {
		return fmt.Errorf("%w: %s", ErrUnknownKind, ev.Kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head int64
	var prevHash string
	err = tx.QueryRowContext(ctx,
		`SELECT seq, integrity_hash FROM incident_events
		 WHERE incident_id = $1 ORDER BY seq DESC LIMIT 1`,
		ev.IncidentID,
	).Scan(&head, &prevHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		head, prevHash = 0, models.ZeroHash
	case err != nil:
		return fmt.Errorf("failed to read stream head: %w", err)
	}

	if expectedSeq != head+1 {
		return fmt.Errorf("%w: incident %s expected seq %d, head is %d",
			ErrOrderingConflict, ev.IncidentID, expectedSeq, head)
	}

	if err := seal(ev, expectedSeq, prevHash); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO incident_events
		 (incident_id, seq, ts_ns, agent_id, kind, payload, integrity_hash, prev_integrity_hash, partition_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.IncidentID, ev.SequenceNumber, ev.TimestampNS, ev.AgentID, string(ev.Kind),
		[]byte(ev.Payload), ev.IntegrityHash, ev.PrevIntegrityHash,
		PartitionKey(ev.IncidentID, s.partitions),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: incident %s seq %d already written",
				ErrOrderingConflict, ev.IncidentID, ev.SequenceNumber)
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}

	notifyPayload, err := buildNotifyPayload(ev)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)",
		IncidentChannel(ev.IncidentID), notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	// Fleet-wide channel carries routing fields only; list views fetch detail
	// from the store.
	globalPayload, err := json.Marshal(notifyEnvelope{
		IncidentID: ev.IncidentID,
		Seq:        ev.SequenceNumber,
		Kind:       ev.Kind,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal global notify payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)",
		GlobalIncidentsChannel, string(globalPayload)); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// Read implements Store.
func (s *PostgresStore) Read(ctx context.Context, incidentID string, fromSeq int64) ([]models.IncidentEvent, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT incident_id, seq, ts_ns, agent_id, kind, payload, integrity_hash, prev_integrity_hash
		 FROM incident_events
		 WHERE incident_id = $1 AND seq >= $2
		 ORDER BY seq ASC`,
		incidentID, fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []models.IncidentEvent
	for rows.Next() {
		var ev models.IncidentEvent
		var kind string
		var payload []byte
		if err := rows.Scan(&ev.IncidentID, &ev.SequenceNumber, &ev.TimestampNS,
			&ev.AgentID, &kind, &payload, &ev.IntegrityHash, &ev.PrevIntegrityHash); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return events, nil
}

// Head implements Store.
func (s *PostgresStore) Head(ctx context.Context, incidentID string) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM incident_events WHERE incident_id = $1`,
		incidentID,
	).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("failed to read stream head: %w", err)
	}
	return head, nil
}

// PartitionKey maps an incident to a hot-tier partition by hashing its id.
func PartitionKey(incidentID string, partitions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(incidentID))
	return int(h.Sum32() % uint32(partitions))
}

// notifyEnvelope is the NOTIFY wire form: routing fields plus the sequence
// number, so live subscribers know what to fetch on a gap.
type notifyEnvelope struct {
	IncidentID string           `json:"incident_id"`
	Seq        int64            `json:"seq"`
	Kind       models.EventKind `json:"kind"`
	Truncated  bool             `json:"truncated,omitempty"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}

// buildNotifyPayload builds the NOTIFY body, dropping the event payload when
// the envelope would exceed PostgreSQL's 8000-byte limit. Subscribers fetch
// truncated events from the store by sequence number.
func buildNotifyPayload(ev *models.IncidentEvent) (string, error) {
	full := notifyEnvelope{
		IncidentID: ev.IncidentID,
		Seq:        ev.SequenceNumber,
		Kind:       ev.Kind,
		Payload:    ev.Payload,
	}
	data, err := json.Marshal(full)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notify payload: %w", err)
	}
	if len(data) <= 7900 {
		return string(data), nil
	}

	truncated := notifyEnvelope{
		IncidentID: ev.IncidentID,
		Seq:        ev.SequenceNumber,
		Kind:       ev.Kind,
		Truncated:  true,
	}
	data, err = json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated notify payload: %w", err)
	}
	return string(data), nil
}
