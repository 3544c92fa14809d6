// Package checkpoint persists replay anchors: the serialized incident
// aggregate at a known version. Recovery loads the checkpoint and replays
// only the event-stream suffix past it.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aegisops/aegis/pkg/models"
)

// ErrNotFound is returned when an incident has no checkpoint yet.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is one durable anchor. State is the JSON-encoded aggregate.
type Checkpoint struct {
	IncidentID string          `json:"incident_id"`
	Version    int64           `json:"version"`
	Phase      models.Phase    `json:"phase"`
	State      json.RawMessage `json:"state"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Store persists one checkpoint per incident, newest version wins.
type Store interface {
	// Save upserts the checkpoint. Saves with a version at or below the
	// stored one are ignored so a lagging writer cannot roll an anchor back.
	Save(ctx context.Context, cp Checkpoint) error

	// Load returns the latest checkpoint or ErrNotFound.
	Load(ctx context.Context, incidentID string) (Checkpoint, error)
}

// Snapshot serializes an aggregate into a checkpoint at its current version.
func Snapshot(in *models.Incident) (Checkpoint, error) {
	state, err := json.Marshal(in)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to marshal incident state: %w", err)
	}
	return Checkpoint{
		IncidentID: in.ID,
		Version:    in.Version,
		Phase:      in.Phase,
		State:      state,
	}, nil
}

// Restore deserializes the checkpointed aggregate.
func (cp Checkpoint) Restore() (*models.Incident, error) {
	var in models.Incident
	if err := json.Unmarshal(cp.State, &in); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint state: %w", err)
	}
	return &in, nil
}

// ── Postgres implementation ─────────────────────────────────

// PostgresStore stores checkpoints in the checkpoints table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a checkpoint store over an open pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (incident_id, version, phase, state, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (incident_id) DO UPDATE
		 SET version = EXCLUDED.version, phase = EXCLUDED.phase,
		     state = EXCLUDED.state, updated_at = now()
		 WHERE checkpoints.version < EXCLUDED.version`,
		cp.IncidentID, cp.Version, string(cp.Phase), []byte(cp.State),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, incidentID string) (Checkpoint, error) {
	var cp Checkpoint
	var phase string
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT incident_id, version, phase, state, updated_at
		 FROM checkpoints WHERE incident_id = $1`,
		incidentID,
	).Scan(&cp.IncidentID, &cp.Version, &phase, &state, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, incidentID)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.Phase = models.Phase(phase)
	cp.State = json.RawMessage(state)
	return cp, nil
}

// ── In-memory implementation ────────────────────────────────

// MemoryStore is an in-memory checkpoint store for tests.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]Checkpoint)}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.checkpoints[cp.IncidentID]; ok && existing.Version >= cp.Version {
		return nil
	}
	cp.UpdatedAt = time.Now().UTC()
	s.checkpoints[cp.IncidentID] = cp
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, incidentID string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[incidentID]
	if !ok {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, incidentID)
	}
	return cp, nil
}
