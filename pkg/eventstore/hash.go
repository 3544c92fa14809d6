package eventstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aegisops/aegis/pkg/models"
)

// CanonicalPayload returns the canonical JSON encoding of a raw payload:
// object keys sorted recursively, no insignificant whitespace. Both the
// writer and the verifier hash this form, so cosmetic re-encoding of a
// payload never looks like tampering.
func CanonicalPayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	// encoding/json sorts map keys at every nesting level.
	return json.Marshal(v)
}

// ComputeHash derives the integrity hash for one event:
// hex(sha256(prev_hash_hex || seq || kind || canonical(payload))).
// The first event of a stream uses models.ZeroHash as its predecessor.
func ComputeHash(prevHash string, seq int64, kind models.EventKind, payload json.RawMessage) (string, error) {
	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(strconv.FormatInt(seq, 10)))
	h.Write([]byte(kind))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain checks a stream read from storage: sequence numbers dense from
// 1, every prev hash linking to the previous event, and every stored hash
// matching a recomputation. Returns a *CorruptionError at the first break.
func VerifyChain(incidentID string, events []models.IncidentEvent) error {
	return VerifyChainFrom(incidentID, 1, models.ZeroHash, events)
}

// VerifyChainFrom checks a stream suffix starting at fromSeq whose
// predecessor carries prevHash. Checkpoint recovery verifies only the events
// past its anchor with this.
func VerifyChainFrom(incidentID string, fromSeq int64, prevHash string, events []models.IncidentEvent) error {
	for i, ev := range events {
		want := fromSeq + int64(i)
		if ev.SequenceNumber != want {
			return &CorruptionError{
				IncidentID: incidentID,
				Seq:        ev.SequenceNumber,
				Reason:     fmt.Sprintf("sequence gap: want %d", want),
			}
		}
		if ev.PrevIntegrityHash != prevHash {
			return &CorruptionError{
				IncidentID: incidentID,
				Seq:        ev.SequenceNumber,
				Reason:     "prev hash does not chain to predecessor",
			}
		}
		computed, err := ComputeHash(prevHash, ev.SequenceNumber, ev.Kind, ev.Payload)
		if err != nil {
			return &CorruptionError{
				IncidentID: incidentID,
				Seq:        ev.SequenceNumber,
				Reason:     fmt.Sprintf("unhashable payload: %v", err),
			}
		}
		if computed != ev.IntegrityHash {
			return &CorruptionError{
				IncidentID: incidentID,
				Seq:        ev.SequenceNumber,
				Reason:     "integrity hash mismatch",
			}
		}
		prevHash = ev.IntegrityHash
	}
	return nil
}

// seal assigns sequence and hashes to an event about to be appended.
func seal(ev *models.IncidentEvent, seq int64, prevHash string) error {
	hash, err := ComputeHash(prevHash, seq, ev.Kind, ev.Payload)
	if err != nil {
		return err
	}
	ev.SequenceNumber = seq
	ev.PrevIntegrityHash = prevHash
	ev.IntegrityHash = hash
	return nil
}
