// Package consensus aggregates agent recommendations into a single approved
// action, tolerating agents whose outputs are slow, wrong, or adversarial.
package consensus

import (
	"context"
	"sort"

	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/models"
)

// Quarantine reason codes recorded in the audit log.
const (
	ReasonConfidenceOutOfRange = "confidence_out_of_range"
	ReasonMalformedInput       = "malformed_recommendation"
	ReasonSignatureInvalid     = "signature_invalid"
	ReasonBehavioralOutlier    = "behavioral_outlier"
)

// thresholdEpsilon absorbs the rounding error the weight normalization divide
// introduces; a group whose exact score sits on a threshold must not fall
// under it because of float arithmetic.
const thresholdEpsilon = 1e-9

// Input is the ordered bag of recommendations for one incident at one round.
type Input struct {
	IncidentID string
	Severity   models.Severity

	// Participants are the weighted agent classes engaged this round. Agents
	// that timed out without a partial stay listed; absence of their
	// recommendation is handled by normalization, not by quarantine.
	Participants []models.AgentClass

	Recommendations []models.AgentRecommendation
}

// Verifier checks an agent's cryptographic signature over a recommendation.
// The engine needs only the boolean outcome.
type Verifier interface {
	Verify(agent models.AgentClass, rec models.AgentRecommendation) bool
}

// Aggregator collapses one round of recommendations into a decision. The
// weighted engine is the only implementation today; a peer-to-peer fallback
// would slot in behind the same interface.
type Aggregator interface {
	Evaluate(ctx context.Context, in Input) models.ConsensusDecision
}

// Engine is the weighted Byzantine-tolerant aggregator. It is deterministic:
// identical inputs and reputation snapshot yield an identical decision. The
// only clock it observes is the evaluation context's deadline.
type Engine struct {
	cfg        config.ConsensusConfig
	verifier   Verifier
	reputation ReputationView
}

// NewEngine creates the weighted engine. verifier and reputation may be nil:
// a nil verifier trusts every signature (development mode) and a nil
// reputation view disables the behavioral screen.
func NewEngine(cfg config.ConsensusConfig, verifier Verifier, reputation ReputationView) *Engine {
	return &Engine{cfg: cfg, verifier: verifier, reputation: reputation}
}

// Evaluate implements Aggregator.
//
// Pipeline: validation screen → integrity screen → behavioral screen →
// min_trusted gate → weighted aggregation → threshold gate. If the context
// deadline expires before the pipeline converges, the deadlock path returns
// the single highest-confidence recommendation flagged for human review.
func (e *Engine) Evaluate(ctx context.Context, in Input) models.ConsensusDecision {
	decision := models.ConsensusDecision{
		ParticipatingAgents: append([]models.AgentClass(nil), in.Participants...),
		Inputs:              append([]models.AgentRecommendation(nil), in.Recommendations...),
		QuarantineReasons:   make(map[models.AgentClass]string),
	}

	quarantine := func(agent models.AgentClass, reason string) {
		if _, done := decision.QuarantineReasons[agent]; done {
			return
		}
		decision.Quarantined = append(decision.Quarantined, agent)
		decision.QuarantineReasons[agent] = reason
	}

	// 1. Validation screen: structural invariants, confidence ∈ [0,1].
	admissible := make([]models.AgentRecommendation, 0, len(in.Recommendations))
	for _, rec := range in.Recommendations {
		if err := rec.Validate(); err != nil {
			reason := ReasonMalformedInput
			if rec.Confidence < 0 || rec.Confidence > 1 {
				reason = ReasonConfidenceOutOfRange
			}
			quarantine(rec.AgentName, reason)
			continue
		}
		admissible = append(admissible, rec)
	}

	// 2. Integrity screen: signature verification.
	if e.verifier != nil {
		kept := admissible[:0]
		for _, rec := range admissible {
			if !e.verifier.Verify(rec.AgentName, rec) {
				quarantine(rec.AgentName, ReasonSignatureInvalid)
				continue
			}
			kept = append(kept, rec)
		}
		admissible = kept
	}

	// 3. Behavioral screen: z-distance from the agent's historical mean plus
	// disagreement and evidence-overlap penalties.
	if e.reputation != nil {
		kept := admissible[:0]
		for _, rec := range admissible {
			if deadlineExpired(ctx) {
				return e.deadlock(decision, admissible)
			}
			if score := behavioralScore(rec, admissible, e.reputation); score > e.cfg.BehaviorZThreshold {
				quarantine(rec.AgentName, ReasonBehavioralOutlier)
				continue
			}
			kept = append(kept, rec)
		}
		admissible = kept
	}

	// 4. min_trusted gate: counted over the weighted agent classes not
	// quarantined this round, whether or not each delivered an output.
	if e.trustedCount(decision.QuarantineReasons) < e.cfg.MinTrusted {
		decision.Method = models.MethodEscalated
		decision.EscalatedToHuman = true
		return decision
	}

	if deadlineExpired(ctx) {
		return e.deadlock(decision, admissible)
	}

	if len(admissible) == 0 {
		decision.Method = models.MethodEscalated
		decision.EscalatedToHuman = true
		return decision
	}

	// 5. Weighted aggregation over action groups.
	winner := e.selectAction(admissible)
	decision.SelectedActionID = winner.actionID
	decision.AggregatedConfidence = winner.score
	decision.AggregateRisk = winner.risk
	decision.Method = models.MethodWeighted

	// 6. Threshold gate.
	switch {
	case winner.score >= e.cfg.ApprovalThreshold-thresholdEpsilon && winner.risk != models.RiskHigh:
		decision.Approved = true
	case winner.score >= e.cfg.DegradedThreshold-thresholdEpsilon && in.Severity != models.SeverityCritical && winner.risk != models.RiskHigh:
		decision.Approved = true
		decision.Degraded = true
	default:
		decision.EscalatedToHuman = true
	}
	return decision
}

// trustedCount counts weighted agent classes outside the quarantine set.
func (e *Engine) trustedCount(quarantined map[models.AgentClass]string) int {
	n := 0
	for class := range e.cfg.Weights {
		if _, q := quarantined[class]; !q {
			n++
		}
	}
	return n
}

// actionGroup is one candidate action with its supporters.
type actionGroup struct {
	actionID string
	score    float64
	risk     models.RiskLevel
	bestRank int // best (lowest) supporter priority, for tie-breaking
}

// selectAction groups recommendations by action_id, scores each group as
// Σ(weight·confidence)/Σweight over its supporters, and picks the winner.
// Ties break by lower aggregate risk, then supporter priority order, then
// lexicographic action id.
func (e *Engine) selectAction(recs []models.AgentRecommendation) actionGroup {
	groups := make(map[string]*actionGroup)
	weightSums := make(map[string]float64)

	for _, rec := range recs {
		w, ok := e.cfg.Weights[rec.AgentName]
		if !ok {
			continue // unweighted class (Communication) never votes
		}
		g := groups[rec.ActionID]
		if g == nil {
			g = &actionGroup{actionID: rec.ActionID, risk: rec.RiskLevel, bestRank: rec.AgentName.Priority()}
			groups[rec.ActionID] = g
		}
		g.score += w * rec.Confidence
		weightSums[rec.ActionID] += w
		// Aggregate risk is the highest risk among supporters.
		if models.LessRisky(g.risk, rec.RiskLevel) {
			g.risk = rec.RiskLevel
		}
		if r := rec.AgentName.Priority(); r < g.bestRank {
			g.bestRank = r
		}
	}

	candidates := make([]actionGroup, 0, len(groups))
	for id, g := range groups {
		if sum := weightSums[id]; sum > 0 {
			g.score /= sum
		}
		candidates = append(candidates, *g)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.risk != b.risk {
			return models.LessRisky(a.risk, b.risk)
		}
		if a.bestRank != b.bestRank {
			return a.bestRank < b.bestRank
		}
		return a.actionID < b.actionID
	})
	return candidates[0]
}

// deadlock returns the single highest-individual-confidence recommendation,
// flagged for human review. Candidates are whatever survived screening so
// far; with nothing admissible it falls back to the raw inputs.
func (e *Engine) deadlock(decision models.ConsensusDecision, admissible []models.AgentRecommendation) models.ConsensusDecision {
	pool := admissible
	if len(pool) == 0 {
		pool = decision.Inputs
	}
	decision.Method = models.MethodDeadlockBestSingle
	decision.EscalatedToHuman = true
	if len(pool) == 0 {
		decision.Method = models.MethodEscalated
		return decision
	}

	best := pool[0]
	for _, rec := range pool[1:] {
		if rec.Confidence > best.Confidence {
			best = rec
			continue
		}
		if rec.Confidence == best.Confidence {
			// Deterministic tie-break mirrors the aggregation order.
			if rec.AgentName.Priority() < best.AgentName.Priority() ||
				(rec.AgentName.Priority() == best.AgentName.Priority() && rec.ActionID < best.ActionID) {
				best = rec
			}
		}
	}
	decision.SelectedActionID = best.ActionID
	decision.AggregatedConfidence = best.Confidence
	decision.AggregateRisk = best.RiskLevel
	return decision
}

func deadlineExpired(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
