package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentClass identifies one of the five fixed reasoning agents.
type AgentClass string

const (
	AgentDetection     AgentClass = "Detection"
	AgentDiagnosis     AgentClass = "Diagnosis"
	AgentPrediction    AgentClass = "Prediction"
	AgentResolution    AgentClass = "Resolution"
	AgentCommunication AgentClass = "Communication"
)

// AgentClasses lists every class in forced-resolution priority order:
// when the consensus engine is unreachable the highest-ranked available
// recommendation wins.
var AgentClasses = []AgentClass{
	AgentDetection,
	AgentDiagnosis,
	AgentPrediction,
	AgentResolution,
	AgentCommunication,
}

// Priority returns the forced-resolution rank of the class (lower wins).
// Unknown classes sort last.
func (c AgentClass) Priority() int {
	for i, k := range AgentClasses {
		if k == c {
			return i
		}
	}
	return len(AgentClasses)
}

// RiskLevel classifies the blast radius of a recommended action.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// riskRank orders risk levels for tie-breaking; unknown risk ranks highest.
func riskRank(r RiskLevel) int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// LessRisky reports whether a carries strictly lower risk than b.
func LessRisky(a, b RiskLevel) bool { return riskRank(a) < riskRank(b) }

// AgentRecommendation is the black-box output of one agent for one incident.
// It is owned by its producing agent until appended as an event.
type AgentRecommendation struct {
	AgentName         AgentClass        `json:"agent_name"`
	ActionID          string            `json:"action_id"`
	Confidence        float64           `json:"confidence"`
	RiskLevel         RiskLevel         `json:"risk_level"`
	Reasoning         string            `json:"reasoning,omitempty"`
	Evidence          []json.RawMessage `json:"evidence,omitempty"`
	EstimatedDuration time.Duration     `json:"estimated_duration,omitempty"`
	RollbackPlan      string            `json:"rollback_plan,omitempty"`
	Signature         string            `json:"signature,omitempty"`
}

// Validate enforces the structural invariants of a recommendation. A failure
// flags the producing agent as suspect in the consensus engine; it is not a
// transport error.
func (r *AgentRecommendation) Validate() error {
	if r.AgentName == "" {
		return fmt.Errorf("missing agent_name")
	}
	if r.ActionID == "" {
		return fmt.Errorf("missing action_id")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0,1]", r.Confidence)
	}
	switch r.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return fmt.Errorf("unknown risk_level %q", r.RiskLevel)
	}
	return nil
}
