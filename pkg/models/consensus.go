package models

// ConsensusMethod tags how a decision was produced.
type ConsensusMethod string

const (
	MethodWeighted           ConsensusMethod = "weighted"
	MethodDeadlockBestSingle ConsensusMethod = "deadlock_best_single"
	MethodEscalated          ConsensusMethod = "escalated"
)

// ConsensusDecision is the engine's output for one incident at one round.
// Given identical inputs and reputation snapshot, the engine must produce an
// identical decision.
type ConsensusDecision struct {
	ParticipatingAgents  []AgentClass          `json:"participating_agents"`
	Inputs               []AgentRecommendation `json:"inputs"`
	Quarantined          []AgentClass          `json:"quarantined,omitempty"`
	QuarantineReasons    map[AgentClass]string `json:"quarantine_reasons,omitempty"`
	SelectedActionID     string                `json:"selected_action_id,omitempty"`
	AggregatedConfidence float64               `json:"aggregated_confidence"`
	AggregateRisk        RiskLevel             `json:"aggregate_risk,omitempty"`
	Method               ConsensusMethod       `json:"method"`
	Approved             bool                  `json:"approved"`
	Degraded             bool                  `json:"degraded,omitempty"`
	EscalatedToHuman     bool                  `json:"escalated_to_human"`
}
