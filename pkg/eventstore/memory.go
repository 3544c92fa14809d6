package eventstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/aegisops/aegis/pkg/models"
)

// MemoryStore is an in-memory Store for tests and database-less development.
// It enforces the same ordering and integrity rules as the Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]models.IncidentEvent
	subs    []chan models.IncidentEvent

	// failure, when set, makes every Append return it. Tests use this to
	// simulate an event-store outage.
	failure error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]models.IncidentEvent)}
}

// SetFailure makes subsequent appends fail with err; nil clears the outage.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, expectedSeq int64, ev *models.IncidentEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !models.KnownKind(ev.Kind) {
		return fmt.Errorf("%w: %s", ErrUnknownKind, ev.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return s.failure
	}

	stream := s.streams[ev.IncidentID]
	head := int64(len(stream))
	if expectedSeq != head+1 {
		return fmt.Errorf("%w: incident %s expected seq %d, head is %d",
			ErrOrderingConflict, ev.IncidentID, expectedSeq, head)
	}

	prevHash := models.ZeroHash
	if head > 0 {
		prevHash = stream[head-1].IntegrityHash
	}
	if err := seal(ev, expectedSeq, prevHash); err != nil {
		return err
	}

	s.streams[ev.IncidentID] = append(stream, *ev)
	for _, sub := range s.subs {
		select {
		case sub <- *ev:
		default: // slow subscriber, drop rather than block the append path
		}
	}
	return nil
}

// Read implements Store.
func (s *MemoryStore) Read(ctx context.Context, incidentID string, fromSeq int64) ([]models.IncidentEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fromSeq < 1 {
		fromSeq = 1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[incidentID]
	if fromSeq > int64(len(stream)) {
		return nil, nil
	}
	out := make([]models.IncidentEvent, len(stream[fromSeq-1:]))
	copy(out, stream[fromSeq-1:])
	return out, nil
}

// Head implements Store.
func (s *MemoryStore) Head(ctx context.Context, incidentID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.streams[incidentID])), nil
}

// Subscribe returns a channel receiving every subsequent append. Used by
// tests in place of the Postgres NOTIFY stream.
func (s *MemoryStore) Subscribe() <-chan models.IncidentEvent {
	ch := make(chan models.IncidentEvent, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}
