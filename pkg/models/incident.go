// Package models contains the domain types shared across the incident core:
// the incident aggregate, the append-only event envelope, agent
// recommendations, consensus decisions, and the action whitelist.
package models

import (
	"time"
)

// Phase is a state in the incident lifecycle state machine.
type Phase string

// Lifecycle phases. Terminal phases have no outgoing transitions.
const (
	PhaseDetected          Phase = "detected"
	PhaseDiagnosing        Phase = "diagnosing"
	PhasePredicting        Phase = "predicting"
	PhaseAwaitingConsensus Phase = "awaiting_consensus"
	PhaseResolving         Phase = "resolving"
	PhaseValidating        Phase = "validating"
	PhaseRollingBack       Phase = "rolling_back"
	PhaseResolved          Phase = "resolved"
	PhaseEscalated         Phase = "escalated"
)

// Terminal reports whether the phase has no outgoing transitions.
func (p Phase) Terminal() bool {
	return p == PhaseResolved || p == PhaseEscalated
}

// phaseEdges is the closed transition relation of the lifecycle state machine.
// Diagnosing and Predicting run in parallel once Detected is durable; the
// orchestrator records whichever branch finishes first, so both orderings of
// the two intermediate phases are legal.
var phaseEdges = map[Phase][]Phase{
	PhaseDetected:          {PhaseDiagnosing, PhasePredicting, PhaseEscalated},
	PhaseDiagnosing:        {PhasePredicting, PhaseAwaitingConsensus, PhaseEscalated},
	PhasePredicting:        {PhaseDiagnosing, PhaseAwaitingConsensus, PhaseEscalated},
	PhaseAwaitingConsensus: {PhaseResolving, PhaseEscalated},
	PhaseResolving:         {PhaseValidating, PhaseRollingBack, PhaseEscalated},
	PhaseValidating:        {PhaseResolved, PhaseRollingBack, PhaseEscalated},
	PhaseRollingBack:       {PhaseEscalated},
	PhaseResolved:          nil,
	PhaseEscalated:         nil,
}

// CanTransition reports whether the edge from → to exists in the state machine.
func CanTransition(from, to Phase) bool {
	for _, next := range phaseEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Severity classifies the business criticality of an incident.
type Severity string

const (
	SeverityCritical   Severity = "CRITICAL"
	SeverityImportant  Severity = "IMPORTANT"
	SeveritySupporting Severity = "SUPPORTING"
)

// Incident is the aggregate root: the in-memory projection of an incident
// built by folding its event stream. It is owned exclusively by the
// orchestrator task that holds the incident lease; every other component
// receives read-only snapshots.
type Incident struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	// LastIntegrityHash is the integrity hash of the last applied event, so a
	// checkpointed aggregate can verify that a later stream suffix chains to
	// the state it anchors.
	LastIntegrityHash string     `json:"last_integrity_hash,omitempty"`
	Phase             Phase      `json:"phase"`
	Severity          Severity   `json:"severity"`
	ServiceTier       string     `json:"service_tier"`
	AffectedServices  []string   `json:"affected_services"`
	AffectedUsers     int        `json:"affected_users"`
	DetectedAt        time.Time  `json:"detected_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`

	// Derived state, rebuilt deterministically on replay.
	AgentOutputs       map[AgentClass]AgentRecommendation `json:"agent_outputs,omitempty"`
	ConsensusHistory   []ConsensusDecision                `json:"consensus_history,omitempty"`
	TimedOutAgents     []AgentClass                       `json:"timed_out_agents,omitempty"`
	QuarantinedAgents  []AgentClass                       `json:"quarantined_agents,omitempty"`
	ProposedAction     *ProposedAction                    `json:"proposed_action,omitempty"`
	SandboxPassed      map[string]bool                    `json:"sandbox_passed,omitempty"`
	ActionExecuted     bool                               `json:"action_executed"`
	EscalationReason   string                             `json:"escalation_reason,omitempty"`
	CorruptionDetected bool                               `json:"corruption_detected"`
}

// Snapshot returns a read-only copy of the aggregate for handing to agents and
// API readers. Slices and maps are cloned so holders cannot mutate the
// orchestrator-owned aggregate.
func (in *Incident) Snapshot() IncidentSnapshot {
	snap := IncidentSnapshot{
		ID:               in.ID,
		Version:          in.Version,
		Phase:            in.Phase,
		Severity:         in.Severity,
		ServiceTier:      in.ServiceTier,
		AffectedServices: append([]string(nil), in.AffectedServices...),
		AffectedUsers:    in.AffectedUsers,
		DetectedAt:       in.DetectedAt,
		ResolvedAt:       in.ResolvedAt,
		EscalationReason: in.EscalationReason,
	}
	if len(in.AgentOutputs) > 0 {
		snap.AgentOutputs = make(map[AgentClass]AgentRecommendation, len(in.AgentOutputs))
		for k, v := range in.AgentOutputs {
			snap.AgentOutputs[k] = v
		}
	}
	if in.ProposedAction != nil {
		pa := *in.ProposedAction
		snap.ProposedAction = &pa
	}
	return snap
}

// IncidentSnapshot is a read-only view of an incident at a point in time.
type IncidentSnapshot struct {
	ID               string                             `json:"id"`
	Version          int64                              `json:"version"`
	Phase            Phase                              `json:"phase"`
	Severity         Severity                           `json:"severity"`
	ServiceTier      string                             `json:"service_tier"`
	AffectedServices []string                           `json:"affected_services"`
	AffectedUsers    int                                `json:"affected_users"`
	DetectedAt       time.Time                          `json:"detected_at"`
	ResolvedAt       *time.Time                         `json:"resolved_at,omitempty"`
	AgentOutputs     map[AgentClass]AgentRecommendation `json:"agent_outputs,omitempty"`
	ProposedAction   *ProposedAction                    `json:"proposed_action,omitempty"`
	EscalationReason string                             `json:"escalation_reason,omitempty"`
}

// ImpactParams feed the business-impact estimate. Values come from
// configuration, keyed by service tier.
type ImpactParams struct {
	CostPerMinute           float64 `json:"cost_per_minute" yaml:"cost_per_minute"`
	CostPerAffectedUser     float64 `json:"cost_per_affected_user" yaml:"cost_per_affected_user"`
	BusinessHoursStart      int     `json:"business_hours_start" yaml:"business_hours_start"` // hour of day, inclusive
	BusinessHoursEnd        int     `json:"business_hours_end" yaml:"business_hours_end"`     // hour of day, exclusive
	BusinessHoursMultiplier float64 `json:"business_hours_multiplier" yaml:"business_hours_multiplier"`
}

// BusinessImpact estimates the running cost of the incident at the given
// instant: cost/min × elapsed minutes, multiplied during business hours, plus
// an additive per-affected-user term. Derived only — never stored.
func (in *Incident) BusinessImpact(now time.Time, p ImpactParams) float64 {
	end := now
	if in.ResolvedAt != nil {
		end = *in.ResolvedAt
	}
	elapsed := end.Sub(in.DetectedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	cost := p.CostPerMinute * elapsed.Minutes()
	if h := now.Hour(); h >= p.BusinessHoursStart && h < p.BusinessHoursEnd {
		cost *= p.BusinessHoursMultiplier
	}
	return cost + p.CostPerAffectedUser*float64(in.AffectedUsers)
}

// ProposedAction is the remediation pending validation and execution.
type ProposedAction struct {
	ActionID      string `json:"action_id"`
	PayloadHash   string `json:"payload_hash"` // hex SHA-256 of the action payload
	ProposedBy    string `json:"proposed_by"`  // agent id
	RollbackPlan  string `json:"rollback_plan,omitempty"`
	SandboxTested bool   `json:"sandbox_tested"`
}

// QueueStatus is the persistence-level processing state of an incident,
// orthogonal to the lifecycle phase: a pending incident has been admitted but
// not yet claimed by a worker.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInProgress QueueStatus = "in_progress"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusEscalated  QueueStatus = "escalated"
)

// QueuedIncident is the row workers claim from the incidents table. The
// lifecycle aggregate itself lives in the event stream; this record only
// carries scheduling state.
type QueuedIncident struct {
	ID             string      `json:"id"`
	IdempotencyKey string      `json:"idempotency_key"`
	Status         QueueStatus `json:"status"`
	Severity       Severity    `json:"severity"`
	ServiceTier    string      `json:"service_tier"`
	PodID          string      `json:"pod_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	LastHeartbeat  *time.Time  `json:"last_heartbeat_at,omitempty"`
	Archived       bool        `json:"archived"`
}
