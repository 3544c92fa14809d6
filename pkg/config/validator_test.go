package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/pkg/models"
)

func TestValidateDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestValidateDatabaseRequiresDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Enabled = true

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "dsn")
}

func TestValidateConsensusWeightsMustSumToOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Consensus.Weights[models.AgentDiagnosis] = 0.5

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")
}

func TestValidateConsensusThresholdOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Consensus.DegradedThreshold = 0.80 // above approval threshold

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degraded_threshold")
}

func TestValidateFabricUnknownFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fabric.Channels["primary"] = ChannelConfig{
		RequestsPerMinute: 60,
		Burst:             10,
		Fallbacks:         []string{"ghost"},
	}

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidateFabricSelfFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fabric.Channels["primary"] = ChannelConfig{
		RequestsPerMinute: 60,
		Burst:             10,
		Fallbacks:         []string{"primary"},
	}

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lists itself")
}

func TestValidateBreakerCloseSuccessesBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fabric.Breaker.HalfOpenProbes = 2
	cfg.Fabric.Breaker.CloseSuccesses = 3

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close_successes")
}

func TestValidateQueueOrphanThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.OrphanThreshold = cfg.Queue.HeartbeatInterval // must exceed it

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orphan_threshold")
}

func TestValidateAgentDuplicateName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents = []AgentConfig{
		{Name: "watchdog", Class: models.AgentDetection, IdentityKey: "k1"},
		{Name: "watchdog", Class: models.AgentDiagnosis, IdentityKey: "k2"},
	}

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate agent name")
}

func TestValidateAgentMissingIdentityKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents = []AgentConfig{
		{Name: "watchdog", Class: models.AgentDetection},
	}

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity_key")
}

func TestValidateActionRollbackReference(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Actions["scale_up"] = models.ActionTemplate{
		ActionID:            "scale_up",
		RequiredPermissions: []string{"deployments/update"},
		RollbackTemplateID:  "scale_down", // not whitelisted
	}

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scale_down")
}

func TestValidateImpactHourRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Impact.Tiers["broken"] = models.ImpactParams{
		CostPerMinute:           10,
		BusinessHoursStart:      18,
		BusinessHoursEnd:        9,
		BusinessHoursMultiplier: 1,
	}

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "business_hours")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.WorkerCount = 0
	cfg.Consensus.MinTrusted = 0

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_count")
	assert.Contains(t, err.Error(), "min_trusted")
}
