package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/pkg/models"
)

func appendEvent(t *testing.T, store *MemoryStore, incidentID string, seq int64, agentID string, kind models.EventKind, payload any) {
	t.Helper()
	ev, err := models.NewEvent(incidentID, agentID, kind, payload)
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), seq, &ev))
}

func TestReduceHappyPath(t *testing.T) {
	store := NewMemoryStore()
	const id = "inc-happy"
	detectedAt := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	resolvedAt := detectedAt.Add(12 * time.Minute)

	appendEvent(t, store, id, 1, "Detection", models.EventDetected, models.DetectedPayload{
		Severity:         models.SeverityCritical,
		ServiceTier:      "critical",
		AffectedServices: []string{"payments"},
		AffectedUsers:    5000,
		DetectedAtNS:     detectedAt.UnixNano(),
		Recommendation: &models.AgentRecommendation{
			AgentName: models.AgentDetection, ActionID: "restart_db_pool",
			Confidence: 0.9, RiskLevel: models.RiskLow,
		},
	})
	appendEvent(t, store, id, 2, "Diagnosis", models.EventDiagnosed, models.RecommendationPayload{
		Recommendation: models.AgentRecommendation{
			AgentName: models.AgentDiagnosis, ActionID: "restart_db_pool",
			Confidence: 0.95, RiskLevel: models.RiskLow,
		},
	})
	appendEvent(t, store, id, 3, "Prediction", models.EventPredicted, models.RecommendationPayload{
		Recommendation: models.AgentRecommendation{
			AgentName: models.AgentPrediction, ActionID: "restart_db_pool",
			Confidence: 0.85, RiskLevel: models.RiskLow,
		},
	})
	appendEvent(t, store, id, 4, "", models.EventConsensusRequested, models.ConsensusRequestedPayload{
		Participants: []models.AgentClass{models.AgentDetection, models.AgentDiagnosis, models.AgentPrediction},
	})
	appendEvent(t, store, id, 5, "", models.EventConsensusReached, models.ConsensusReachedPayload{
		Decision: models.ConsensusDecision{
			SelectedActionID:     "restart_db_pool",
			AggregatedConfidence: 0.911,
			Method:               models.MethodWeighted,
			Approved:             true,
		},
	})
	appendEvent(t, store, id, 6, "Resolution", models.EventActionProposed, models.ActionProposedPayload{
		ActionID: "restart_db_pool", PayloadHash: "abc123",
	})
	appendEvent(t, store, id, 7, "", models.EventActionValidated, models.ActionValidatedPayload{
		ActionID: "restart_db_pool", PayloadHash: "abc123",
	})
	appendEvent(t, store, id, 8, "", models.EventActionExecuted, models.ActionExecutedPayload{
		ActionID: "restart_db_pool", DurationMS: 4200,
	})
	appendEvent(t, store, id, 9, "", models.EventResolved, models.ResolvedPayload{
		ResolvedAtNS: resolvedAt.UnixNano(),
	})

	in, err := Load(context.Background(), store, id)
	require.NoError(t, err)

	assert.Equal(t, id, in.ID)
	assert.Equal(t, int64(9), in.Version)
	assert.Equal(t, models.PhaseResolved, in.Phase)
	assert.Equal(t, models.SeverityCritical, in.Severity)
	assert.True(t, in.ActionExecuted)
	assert.Len(t, in.AgentOutputs, 3)
	require.Len(t, in.ConsensusHistory, 1)
	assert.True(t, in.ConsensusHistory[0].Approved)
	require.NotNil(t, in.ProposedAction)
	assert.Equal(t, "restart_db_pool", in.ProposedAction.ActionID)
	assert.Equal(t, "Resolution", in.ProposedAction.ProposedBy)
	require.NotNil(t, in.ResolvedAt)
	assert.Equal(t, resolvedAt, *in.ResolvedAt)
	assert.Equal(t, detectedAt, in.DetectedAt)
}

func TestReduceDeterministic(t *testing.T) {
	store := NewMemoryStore()
	appendDetectionFlow(t, store, "inc-det")
	events, err := store.Read(context.Background(), "inc-det", 1)
	require.NoError(t, err)

	first, err := Reduce(events)
	require.NoError(t, err)
	second, err := Reduce(events)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReduceRollbackPath(t *testing.T) {
	store := NewMemoryStore()
	const id = "inc-rollback"

	appendEvent(t, store, id, 1, "Detection", models.EventDetected, models.DetectedPayload{
		Severity: models.SeverityImportant, ServiceTier: "standard",
		DetectedAtNS: time.Now().UnixNano(),
	})
	appendEvent(t, store, id, 2, "", models.EventConsensusRequested, models.ConsensusRequestedPayload{})
	appendEvent(t, store, id, 3, "", models.EventConsensusReached, models.ConsensusReachedPayload{
		Decision: models.ConsensusDecision{SelectedActionID: "scale_up", Approved: true, Method: models.MethodWeighted},
	})
	appendEvent(t, store, id, 4, "", models.EventActionFailed, models.ActionFailedPayload{
		ActionID: "scale_up", Error: "upstream refused",
	})
	appendEvent(t, store, id, 5, "", models.EventRolledBack, models.RolledBackPayload{ActionID: "scale_up"})
	appendEvent(t, store, id, 6, "", models.EventEscalated, models.EscalatedPayload{
		ReasonCode: models.ReasonRollbackCompleted,
	})

	in, err := Load(context.Background(), store, id)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEscalated, in.Phase)
	assert.Equal(t, models.ReasonRollbackCompleted, in.EscalationReason)
	assert.False(t, in.ActionExecuted)
}

func TestReduceTimeoutAndQuarantine(t *testing.T) {
	store := NewMemoryStore()
	const id = "inc-degraded"

	appendEvent(t, store, id, 1, "Detection", models.EventDetected, models.DetectedPayload{
		Severity: models.SeverityImportant, ServiceTier: "standard",
		DetectedAtNS: time.Now().UnixNano(),
	})
	partial := &models.AgentRecommendation{
		AgentName: models.AgentDiagnosis, ActionID: "flush_cache",
		Confidence: 0.6, RiskLevel: models.RiskMedium,
	}
	appendEvent(t, store, id, 2, "Diagnosis", models.EventAgentTimedOut, models.AgentTimedOutPayload{
		Agent: models.AgentDiagnosis, TimeoutMS: 180000, Partial: partial,
	})
	appendEvent(t, store, id, 3, "", models.EventAgentQuarantined, models.AgentQuarantinedPayload{
		Agent: models.AgentPrediction, Reason: "confidence_out_of_range",
	})

	in, err := Load(context.Background(), store, id)
	require.NoError(t, err)
	assert.Equal(t, []models.AgentClass{models.AgentDiagnosis}, in.TimedOutAgents)
	assert.Equal(t, []models.AgentClass{models.AgentPrediction}, in.QuarantinedAgents)
	// The flushed partial result is still usable by consensus.
	assert.Equal(t, *partial, in.AgentOutputs[models.AgentDiagnosis])
}

func TestReduceCorruptionEscalation(t *testing.T) {
	store := NewMemoryStore()
	const id = "inc-corrupt"

	appendEvent(t, store, id, 1, "Detection", models.EventDetected, models.DetectedPayload{
		Severity: models.SeverityCritical, ServiceTier: "critical",
		DetectedAtNS: time.Now().UnixNano(),
	})
	appendEvent(t, store, id, 2, "", models.EventEscalated, models.EscalatedPayload{
		ReasonCode: models.ReasonCorruptionDetected, Detail: "hash mismatch at seq 7",
	})

	in, err := Load(context.Background(), store, id)
	require.NoError(t, err)
	assert.True(t, in.CorruptionDetected)
	assert.Equal(t, models.PhaseEscalated, in.Phase)
}
