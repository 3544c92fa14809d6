package consensus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sync"

	"github.com/aegisops/aegis/pkg/eventstore"
	"github.com/aegisops/aegis/pkg/models"
)

// AgentStats is one agent's behavioral baseline: sample count, mean
// confidence, and the standard deviation over the retained window.
type AgentStats struct {
	Samples int
	Mean    float64
	Stddev  float64
}

// ReputationView is the only mutable state the engine reads. Evaluations
// against a fixed snapshot are deterministic; the orchestrator records
// observations only between rounds.
type ReputationView interface {
	Stats(agent models.AgentClass) AgentStats
}

// minBaselineSamples is how much history an agent needs before the z-distance
// component of the behavioral screen applies to it.
const minBaselineSamples = 5

// Reputation is a windowed in-memory ReputationView.
type Reputation struct {
	mu     sync.RWMutex
	window int
	hist   map[models.AgentClass][]float64
}

// NewReputation creates a reputation tracker keeping the last window
// confidences per agent.
func NewReputation(window int) *Reputation {
	if window <= 0 {
		window = 20
	}
	return &Reputation{window: window, hist: make(map[models.AgentClass][]float64)}
}

// Observe records a delivered confidence for an agent.
func (r *Reputation) Observe(agent models.AgentClass, confidence float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := append(r.hist[agent], confidence)
	if len(h) > r.window {
		h = h[len(h)-r.window:]
	}
	r.hist[agent] = h
}

// Stats implements ReputationView.
func (r *Reputation) Stats(agent models.AgentClass) AgentStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return computeStats(r.hist[agent])
}

// Snapshot returns an immutable copy for one consensus round.
func (r *Reputation) Snapshot() ReputationView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make(staticReputation, len(r.hist))
	for agent, h := range r.hist {
		snap[agent] = computeStats(h)
	}
	return snap
}

func computeStats(h []float64) AgentStats {
	n := len(h)
	if n == 0 {
		return AgentStats{}
	}
	var sum float64
	for _, c := range h {
		sum += c
	}
	mean := sum / float64(n)
	var sq float64
	for _, c := range h {
		d := c - mean
		sq += d * d
	}
	return AgentStats{Samples: n, Mean: mean, Stddev: math.Sqrt(sq / float64(n))}
}

// staticReputation is a frozen ReputationView.
type staticReputation map[models.AgentClass]AgentStats

func (s staticReputation) Stats(agent models.AgentClass) AgentStats { return s[agent] }

// StaticReputation builds a frozen view from explicit stats, for tests.
func StaticReputation(stats map[models.AgentClass]AgentStats) ReputationView {
	return staticReputation(stats)
}

// behavioralScore combines the three behavioral signals for one
// recommendation against its peers and the agent's baseline:
//
//   - z-distance of confidence from the agent's historical mean
//   - +1 when the agent is a minority of one on action_id
//   - +1 − (best evidence overlap with any peer) when evidence is present
//     on both sides
func behavioralScore(rec models.AgentRecommendation, peers []models.AgentRecommendation, view ReputationView) float64 {
	var score float64

	if stats := view.Stats(rec.AgentName); stats.Samples >= minBaselineSamples && stats.Stddev > 0 {
		score += math.Abs(rec.Confidence-stats.Mean) / stats.Stddev
	}

	others := 0
	agrees := false
	var bestOverlap float64
	sawPeerEvidence := false
	for _, peer := range peers {
		if peer.AgentName == rec.AgentName {
			continue
		}
		others++
		if peer.ActionID == rec.ActionID {
			agrees = true
		}
		if len(rec.Evidence) > 0 && len(peer.Evidence) > 0 {
			sawPeerEvidence = true
			if o := evidenceOverlap(rec.Evidence, peer.Evidence); o > bestOverlap {
				bestOverlap = o
			}
		}
	}
	if others > 0 && !agrees {
		score += 1.0
	}
	if sawPeerEvidence {
		score += 1.0 - bestOverlap
	}
	return score
}

// evidenceOverlap is the Jaccard overlap of two evidence sets, compared by
// canonical digest so formatting differences don't mask agreement.
func evidenceOverlap(a, b []json.RawMessage) float64 {
	as := digestSet(a)
	bs := digestSet(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	shared := 0
	for d := range as {
		if bs[d] {
			shared++
		}
	}
	union := len(as) + len(bs) - shared
	return float64(shared) / float64(union)
}

func digestSet(items []json.RawMessage) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		canonical, err := eventstore.CanonicalPayload(item)
		if err != nil {
			canonical = item
		}
		sum := sha256.Sum256(canonical)
		set[hex.EncodeToString(sum[:])] = true
	}
	return set
}
