package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/models"
)

// BuiltinThinkers binds every registered agent to the rule-based collaborator
// for its class. Deployments that reason with an external service swap
// individual entries out before handing the map to Factory.Build.
func BuiltinThinkers(cfg *config.Config) Thinkers {
	thinkers := make(Thinkers, len(cfg.Agents))
	for _, reg := range cfg.Agents {
		thinkers[reg.Name] = builtinForClass(reg.Class, cfg)
	}
	return thinkers
}

func builtinForClass(class models.AgentClass, cfg *config.Config) ThinkFunc {
	switch class {
	case models.AgentDiagnosis:
		return diagnosisThinker(cfg)
	case models.AgentPrediction:
		return predictionThinker()
	case models.AgentResolution:
		return resolutionThinker(cfg)
	case models.AgentCommunication:
		return communicationThinker()
	default:
		return detectionThinker()
	}
}

// detectionThinker confirms the detection that admitted the incident. The
// submission path already recorded it, so this only matters when a detection
// chain is re-run during replay diagnostics.
func detectionThinker() ThinkFunc {
	return func(_ context.Context, snap models.IncidentSnapshot, _ func(models.AgentRecommendation)) (*models.AgentRecommendation, error) {
		det, ok := snap.AgentOutputs[models.AgentDetection]
		if !ok {
			return nil, fmt.Errorf("incident %s has no detection output to confirm", snap.ID)
		}
		out := det
		out.AgentName = models.AgentDetection
		return &out, nil
	}
}

// diagnosisThinker corroborates the detected action against the incident
// shape. Confidence starts from the detection's own confidence and moves with
// the evidence the detector attached and the blast radius.
func diagnosisThinker(cfg *config.Config) ThinkFunc {
	return func(_ context.Context, snap models.IncidentSnapshot, _ func(models.AgentRecommendation)) (*models.AgentRecommendation, error) {
		det, ok := snap.AgentOutputs[models.AgentDetection]
		if !ok {
			return nil, fmt.Errorf("incident %s has no detection output to diagnose", snap.ID)
		}
		if _, err := cfg.GetAction(det.ActionID); err != nil {
			return nil, fmt.Errorf("detected action is not actionable: %w", err)
		}

		confidence := det.Confidence
		if len(det.Evidence) > 0 {
			confidence = clamp(confidence + 0.05*float64(min(len(det.Evidence), 3)))
		}
		if len(snap.AffectedServices) > 3 {
			// Wide blast radius weakens a single-cause diagnosis.
			confidence = clamp(confidence - 0.1)
		}

		return &models.AgentRecommendation{
			AgentName:  models.AgentDiagnosis,
			ActionID:   det.ActionID,
			Confidence: confidence,
			RiskLevel:  riskForSeverity(snap.Severity),
			Reasoning: fmt.Sprintf("detected cause corroborated across %d service(s), %d evidence item(s)",
				len(snap.AffectedServices), len(det.Evidence)),
			Evidence:          det.Evidence,
			EstimatedDuration: 2 * time.Minute,
		}, nil
	}
}

// predictionThinker estimates whether the proposed remediation holds. It is
// deliberately more conservative than diagnosis: recurrence risk grows with
// severity and the number of services already affected.
func predictionThinker() ThinkFunc {
	return func(_ context.Context, snap models.IncidentSnapshot, _ func(models.AgentRecommendation)) (*models.AgentRecommendation, error) {
		det, ok := snap.AgentOutputs[models.AgentDetection]
		if !ok {
			return nil, fmt.Errorf("incident %s has no detection output to project", snap.ID)
		}

		confidence := 0.85
		switch snap.Severity {
		case models.SeverityCritical:
			confidence = 0.7
		case models.SeverityImportant:
			confidence = 0.8
		}
		confidence = clamp(confidence - 0.02*float64(len(snap.AffectedServices)))

		return &models.AgentRecommendation{
			AgentName:  models.AgentPrediction,
			ActionID:   det.ActionID,
			Confidence: confidence,
			RiskLevel:  riskForSeverity(snap.Severity),
			Reasoning: fmt.Sprintf("recurrence projection for %s over %d service(s)",
				det.ActionID, len(snap.AffectedServices)),
			EstimatedDuration: 5 * time.Minute,
		}, nil
	}
}

// resolutionThinker turns the consensus-approved action into an executable
// proposal, attaching the whitelist template's rollback plan.
func resolutionThinker(cfg *config.Config) ThinkFunc {
	return func(_ context.Context, snap models.IncidentSnapshot, _ func(models.AgentRecommendation)) (*models.AgentRecommendation, error) {
		actionID := consensusActionID(snap)
		if actionID == "" {
			return nil, fmt.Errorf("incident %s has no agreed action to resolve", snap.ID)
		}
		tmpl, err := cfg.GetAction(actionID)
		if err != nil {
			return nil, err
		}

		return &models.AgentRecommendation{
			AgentName:         models.AgentResolution,
			ActionID:          actionID,
			Confidence:        0.9,
			RiskLevel:         riskForSeverity(snap.Severity),
			Reasoning:         "executing whitelisted remediation " + actionID,
			EstimatedDuration: 3 * time.Minute,
			RollbackPlan:      tmpl.RollbackTemplateID,
		}, nil
	}
}

// communicationThinker summarizes the incident for notification. Always
// low-risk: it never touches infrastructure.
func communicationThinker() ThinkFunc {
	return func(_ context.Context, snap models.IncidentSnapshot, _ func(models.AgentRecommendation)) (*models.AgentRecommendation, error) {
		actionID := consensusActionID(snap)
		if actionID == "" {
			actionID = "notify-stakeholders"
		}
		return &models.AgentRecommendation{
			AgentName:  models.AgentCommunication,
			ActionID:   actionID,
			Confidence: 0.95,
			RiskLevel:  models.RiskLow,
			Reasoning: fmt.Sprintf("%s incident in phase %s, %d user(s) affected",
				snap.Severity, snap.Phase, snap.AffectedUsers),
			EstimatedDuration: time.Minute,
		}, nil
	}
}

// consensusActionID returns the action the reasoning classes converged on,
// preferring diagnosis over detection.
func consensusActionID(snap models.IncidentSnapshot) string {
	if diag, ok := snap.AgentOutputs[models.AgentDiagnosis]; ok {
		return diag.ActionID
	}
	if det, ok := snap.AgentOutputs[models.AgentDetection]; ok {
		return det.ActionID
	}
	return ""
}

func riskForSeverity(sev models.Severity) models.RiskLevel {
	switch sev {
	case models.SeverityCritical:
		return models.RiskHigh
	case models.SeverityImportant:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func clamp(v float64) float64 {
	if v < 0.01 {
		return 0.01
	}
	if v > 0.99 {
		return 0.99
	}
	return v
}
