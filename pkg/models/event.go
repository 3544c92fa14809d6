package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind tags the closed union of incident event payloads. Unknown kinds
// are rejected at the store boundary.
type EventKind string

const (
	EventDetected           EventKind = "incident.detected"
	EventDiagnosed          EventKind = "incident.diagnosed"
	EventPredicted          EventKind = "incident.predicted"
	EventConsensusRequested EventKind = "consensus.requested"
	EventConsensusReached   EventKind = "consensus.reached"
	EventActionProposed     EventKind = "action.proposed"
	EventActionValidated    EventKind = "action.validated"
	EventValidationFailed   EventKind = "action.validation_failed"
	EventSandboxTestPassed  EventKind = "action.sandbox_passed"
	EventActionExecuted     EventKind = "action.executed"
	EventActionFailed       EventKind = "action.failed"
	EventRolledBack         EventKind = "action.rolled_back"
	EventAgentTimedOut      EventKind = "agent.timed_out"
	EventAgentQuarantined   EventKind = "agent.quarantined"
	EventEscalated          EventKind = "incident.escalated"
	EventResolved           EventKind = "incident.resolved"
)

// knownKinds is the closed set accepted at the store boundary.
var knownKinds = map[EventKind]bool{
	EventDetected: true, EventDiagnosed: true, EventPredicted: true,
	EventConsensusRequested: true, EventConsensusReached: true,
	EventActionProposed: true, EventActionValidated: true,
	EventValidationFailed: true, EventSandboxTestPassed: true,
	EventActionExecuted: true, EventActionFailed: true, EventRolledBack: true,
	EventAgentTimedOut: true, EventAgentQuarantined: true,
	EventEscalated: true, EventResolved: true,
}

// KnownKind reports whether k belongs to the closed event-kind union.
func KnownKind(k EventKind) bool { return knownKinds[k] }

// ZeroHash is the prev_integrity_hash of the first event of every incident:
// hex of 32 zero bytes.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// IncidentEvent is the append-only wire envelope. SequenceNumber is assigned
// by the event store; IntegrityHash chains to the previous event.
type IncidentEvent struct {
	IncidentID        string          `json:"incident_id"`
	SequenceNumber    int64           `json:"sequence_number"`
	TimestampNS       int64           `json:"timestamp_ns"`
	AgentID           string          `json:"agent_id"`
	Kind              EventKind       `json:"kind"`
	Payload           json.RawMessage `json:"payload"`
	IntegrityHash     string          `json:"integrity_hash"`
	PrevIntegrityHash string          `json:"prev_integrity_hash"`
}

// NewEvent builds an unsequenced event envelope. Sequence number and hashes
// are filled in by the event store on append.
func NewEvent(incidentID, agentID string, kind EventKind, payload any) (IncidentEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return IncidentEvent{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return IncidentEvent{
		IncidentID:  incidentID,
		TimestampNS: time.Now().UnixNano(),
		AgentID:     agentID,
		Kind:        kind,
		Payload:     raw,
	}, nil
}

// ── Payloads, one per kind ──────────────────────────────────

// DetectedPayload seeds an incident from the Detection agent's output.
type DetectedPayload struct {
	IdempotencyKey   string          `json:"idempotency_key"`
	Severity         Severity        `json:"severity"`
	ServiceTier      string          `json:"service_tier"`
	AffectedServices []string        `json:"affected_services"`
	AffectedUsers    int             `json:"affected_users"`
	SourceIDs        []string        `json:"source_ids,omitempty"`
	Signals          json.RawMessage `json:"signals,omitempty"`
	DetectedAtNS     int64           `json:"detected_at_ns"`

	// Recommendation is the Detection agent's own remediation vote, carried
	// into consensus alongside the Diagnosis and Prediction outputs.
	Recommendation *AgentRecommendation `json:"recommendation,omitempty"`
}

// RecommendationPayload carries an agent recommendation (Diagnosed and
// Predicted events use it; so does the Resolution input to consensus).
type RecommendationPayload struct {
	Recommendation AgentRecommendation `json:"recommendation"`
	Degraded       bool                `json:"degraded,omitempty"`
	Fallback       string              `json:"fallback,omitempty"` // which fallback rung produced it
}

// ConsensusRequestedPayload records the inputs handed to the consensus engine.
type ConsensusRequestedPayload struct {
	Participants []AgentClass `json:"participants"`
}

// ConsensusReachedPayload records the engine's decision verbatim.
type ConsensusReachedPayload struct {
	Decision ConsensusDecision `json:"decision"`
}

// ActionProposedPayload records the Resolution agent's chosen remediation.
type ActionProposedPayload struct {
	ActionID     string          `json:"action_id"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	RollbackPlan string          `json:"rollback_plan,omitempty"`
}

// ActionValidatedPayload records the security gate approval.
type ActionValidatedPayload struct {
	ActionID             string `json:"action_id"`
	PayloadHash          string `json:"payload_hash"`
	CredentialTTLSeconds int    `json:"credential_ttl_seconds,omitempty"`
}

// ValidationFailedPayload records a security gate rejection.
type ValidationFailedPayload struct {
	ActionID string `json:"action_id"`
	Reason   string `json:"reason"`
}

// SandboxPassedPayload records a successful sandbox run for (incident, action).
type SandboxPassedPayload struct {
	ActionID string `json:"action_id"`
}

// ActionExecutedPayload records the actuator outcome for an approved action.
type ActionExecutedPayload struct {
	ActionID       string `json:"action_id"`
	IdempotencyKey string `json:"idempotency_key"`
	DurationMS     int64  `json:"duration_ms"`
}

// ActionFailedPayload records an execution failure.
type ActionFailedPayload struct {
	ActionID string `json:"action_id"`
	Error    string `json:"error"`
}

// RolledBackPayload records a completed rollback.
type RolledBackPayload struct {
	ActionID           string `json:"action_id"`
	RollbackTemplateID string `json:"rollback_template_id,omitempty"`
}

// AgentTimedOutPayload records an agent missing its class deadline. Partial
// is set when the agent flushed a partial result through the interrupt path.
type AgentTimedOutPayload struct {
	Agent     AgentClass           `json:"agent"`
	TimeoutMS int64                `json:"timeout_ms"`
	Partial   *AgentRecommendation `json:"partial,omitempty"`
	Synthetic bool                 `json:"synthetic,omitempty"` // task abandoned after the cancel grace period
}

// AgentQuarantinedPayload records a Byzantine exclusion.
type AgentQuarantinedPayload struct {
	Agent  AgentClass `json:"agent"`
	Reason string     `json:"reason"`
}

// EscalatedPayload carries the structured reason code for human takeover.
type EscalatedPayload struct {
	ReasonCode string `json:"reason_code"`
	Detail     string `json:"detail,omitempty"`
}

// ResolvedPayload closes the incident.
type ResolvedPayload struct {
	ResolvedAtNS int64  `json:"resolved_at_ns"`
	Summary      string `json:"summary,omitempty"`
}

// Escalation reason codes, enumerated against the error taxonomy.
const (
	ReasonEventStoreOutage     = "event_store_outage"
	ReasonInsufficientTrusted  = "insufficient_trusted_agents"
	ReasonConsensusRejected    = "consensus_below_threshold"
	ReasonValidationFailed     = "action_validation_failed"
	ReasonExecutionFailed      = "action_execution_failed"
	ReasonRollbackCompleted    = "rolled_back"
	ReasonGlobalBudgetExceeded = "global_budget_exceeded"
	ReasonCorruptionDetected   = "chain_corruption_detected"
	ReasonInvariantViolation   = "invariant_violation"
	ReasonOperatorRequest      = "operator_request"
	ReasonOrphanExpired        = "orphan_phase_timeout"
	ReasonShutdown             = "shutdown_incomplete"
)
