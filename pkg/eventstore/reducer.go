package eventstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aegisops/aegis/pkg/models"
)

// Reduce folds a verified stream into the incident aggregate. The reducer is
// pure: no clocks, no I/O, no randomness. Replaying the same stream always
// yields the same aggregate.
func Reduce(events []models.IncidentEvent) (*models.Incident, error) {
	in := &models.Incident{}
	for _, ev := range events {
		if err := Apply(in, ev); err != nil {
			return nil, fmt.Errorf("apply seq %d (%s): %w", ev.SequenceNumber, ev.Kind, err)
		}
	}
	return in, nil
}

// Apply folds one event into the aggregate. Version tracks the last applied
// sequence number.
func Apply(in *models.Incident, ev models.IncidentEvent) error {
	switch ev.Kind {
	case models.EventDetected:
		var p models.DetectedPayload
		if err := unmarshalPayload(ev, &p); err != nil {
			return err
		}
		in.ID = ev.IncidentID
		in.Phase = models.PhaseDetected
		in.Severity = p.Severity
		in.ServiceTier = p.ServiceTier
		in.AffectedServices = p.AffectedServices
		in.AffectedUsers = p.AffectedUsers
		in.DetectedAt = time.Unix(0, p.DetectedAtNS).UTC()
		if p.Recommendation != nil {
			recordOutput(in, models.AgentDetection, *p.Recommendation)
		}

	case models.EventDiagnosed:
		var p models.RecommendationPayload
		if err := unmarshalPayload(ev, &p); err != nil {
			return err
		}
		recordOutput(in, models.AgentDiagnosis, p.Recommendation)
		if in.Phase == models.PhaseDetected {
			in.Phase = models.PhaseDiagnosing
		}

	case models.EventPredicted:
		var p models.RecommendationPayload
		if err := unmarshalPayload(ev, &p); err != nil {
			return err
		}
		recordOutput(in, models.AgentPrediction, p.Recommendation)
		if in.Phase == models.PhaseDetected {
			in.Phase = models.PhasePredicting
		}

	case models.EventConsensusRequested:
		in.Phase = models.PhaseAwaitingConsensus

	case models.EventConsensusReached:
		var p models.ConsensusReachedPayload
		if err := unmarshalPayload(ev, &p); err != nil {
			return err
		}
		in.ConsensusHistory = append(in.ConsensusHistory, p.Decision)
		if p.Decision.Approved {
			in.Phase = models.PhaseResolving
		}

	case models.EventActionProposed:
		var p models.ActionProposedPayload
		if err := unmarshalPayload(ev, &p); err != nil {
			return err
		}
		in.ProposedAction = &models.ProposedAction{
			ActionID:     p.ActionID,
			PayloadHash:  p.PayloadHash,
			ProposedBy:   ev.AgentID,
			RollbackPlan: p.RollbackPlan,
		}

	case models.EventActionValidated, models.EventValidationFailed:
		// Recorded for audit; the phase moves on the events that follow.

	case models.EventSandboxTestPassed:
		var p models.SandboxPassedPayload
		if err := unmarshalPayload(ev, &p); err != nil {
			return err
		}
		if in.SandboxPassed == nil {
			in.SandboxPassed = make(map[string]bool)
		}
		in.SandboxPassed[p.ActionID] = true
		if in.ProposedAction != nil && in.ProposedAction.ActionID == p.ActionID {
			in.ProposedAction.SandboxTested = true
		}

	case models.EventActionExecuted:
		in.ActionExecuted = true
		in.Phase = models.PhaseValidating

	case models.EventActionFailed:
		in.Phase = models.PhaseRollingBack

	case models.EventRolledBack:
		in.Phase = models.PhaseRollingBack

	case models.EventAgentTimedOut:
		var p models.AgentTimedOutPayload
		if err := unmarshalPayload(ev, &p); err != nil {
			return err
		}
		in.TimedOutAgents = appendClassOnce(in.TimedOutAgents, p.Agent)
		if p.Partial != nil {
			recordOutput(in, p.Agent, *p.Partial)
		}

	case models.EventAgentQuarantined:
		var p models.AgentQuarantinedPayload
		if err := unmarshalPayload(ev, &p); err != nil {
			return err
		}
		in.QuarantinedAgents = appendClassOnce(in.QuarantinedAgents, p.Agent)

	case models.EventEscalated:
		var p models.EscalatedPayload
		if err := unmarshalPayload(ev, &p); err != nil {
			return err
		}
		in.Phase = models.PhaseEscalated
		in.EscalationReason = p.ReasonCode
		if p.ReasonCode == models.ReasonCorruptionDetected {
			in.CorruptionDetected = true
		}

	case models.EventResolved:
		var p models.ResolvedPayload
		if err := unmarshalPayload(ev, &p); err != nil {
			return err
		}
		in.Phase = models.PhaseResolved
		resolvedAt := time.Unix(0, p.ResolvedAtNS).UTC()
		in.ResolvedAt = &resolvedAt

	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, ev.Kind)
	}

	in.Version = ev.SequenceNumber
	in.LastIntegrityHash = ev.IntegrityHash
	return nil
}

func unmarshalPayload(ev models.IncidentEvent, target any) error {
	if err := json.Unmarshal(ev.Payload, target); err != nil {
		return fmt.Errorf("malformed %s payload: %w", ev.Kind, err)
	}
	return nil
}

func recordOutput(in *models.Incident, class models.AgentClass, rec models.AgentRecommendation) {
	if in.AgentOutputs == nil {
		in.AgentOutputs = make(map[models.AgentClass]models.AgentRecommendation)
	}
	in.AgentOutputs[class] = rec
}

func appendClassOnce(classes []models.AgentClass, class models.AgentClass) []models.AgentClass {
	for _, c := range classes {
		if c == class {
			return classes
		}
	}
	return append(classes, class)
}
