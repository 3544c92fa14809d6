package config

import (
	"time"

	"github.com/aegisops/aegis/pkg/models"
)

// DefaultConfig returns the built-in configuration. User YAML merges on top;
// every tunable has a usable default so a bare config file still runs.
func DefaultConfig() *Config {
	return &Config{
		Database:  DefaultDatabaseConfig(),
		Queue:     DefaultQueueConfig(),
		API:       DefaultAPIConfig(),
		Timeouts:  DefaultTimeoutConfig(),
		Consensus: DefaultConsensusConfig(),
		Fabric:    DefaultFabricConfig(),
		Impact:    DefaultImpactConfig(),
		Retention: DefaultRetentionConfig(),
		Actuator:  DefaultActuatorConfig(),
		Actions:   make(map[string]models.ActionTemplate),
	}
}

// DefaultDatabaseConfig returns database defaults. Enabled is false until the
// YAML opts in; a boolean default of true could not be overridden back to
// false by the non-zero-wins merge.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Enabled:         false,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		AutoMigrate:     true,
		Partitions:      16,
	}
}

// DefaultQueueConfig returns queue and worker pool defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		WorkerCount:             5,
		AdmissionCap:            200,
		PollInterval:            2 * time.Second,
		PollJitter:              500 * time.Millisecond,
		HeartbeatInterval:       30 * time.Second,
		OrphanCheckInterval:     60 * time.Second,
		OrphanThreshold:         5 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// DefaultAPIConfig returns HTTP server defaults.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		ListenAddr:      ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// DefaultTimeoutConfig returns the canonical timeout record.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Detection:          DefaultDetectionTimeout,
		Diagnosis:          DefaultDiagnosisTimeout,
		Prediction:         DefaultPredictionTimeout,
		Resolution:         DefaultResolutionTimeout,
		Communication:      DefaultCommunicationTimeout,
		GlobalPhaseBudget:  DefaultGlobalPhaseBudget,
		CancelGrace:        DefaultCancelGrace,
		CheckpointInterval: DefaultResolvingCheckpointInterval,
		EventStoreOutage:   DefaultOutageBudget,
		DedupWindow:        DefaultDedupWindow,
		CredentialTTL:      DefaultCredentialTTL,
	}
}

// DefaultConsensusConfig returns the canonical consensus tunables.
func DefaultConsensusConfig() ConsensusConfig {
	weights := make(map[models.AgentClass]float64, len(CanonicalWeights))
	for class, w := range CanonicalWeights {
		weights[class] = w
	}
	return ConsensusConfig{
		Weights:            weights,
		ApprovalThreshold:  DefaultApprovalThreshold,
		DegradedThreshold:  DefaultDegradedThreshold,
		MinTrusted:         DefaultMinTrusted,
		Budget:             DefaultConsensusBudget,
		BehaviorZThreshold: DefaultBehaviorZThreshold,
		BehaviorWindow:     20,
	}
}

// DefaultFabricConfig returns fabric defaults with no channels; channels are
// deployment-specific and come from YAML.
func DefaultFabricConfig() FabricConfig {
	return FabricConfig{
		Channels: make(map[string]ChannelConfig),
		Breaker: BreakerConfig{
			FailureBudget:  DefaultBreakerFailureBudget,
			OpenInterval:   DefaultBreakerOpenInterval,
			HalfOpenProbes: DefaultBreakerHalfOpenProbes,
			CloseSuccesses: DefaultBreakerCloseSuccesses,
		},
		QueueWaitBound: DefaultQueueWaitBound,
		RetryCeiling:   DefaultRetryCeiling,
	}
}

// DefaultImpactConfig returns baseline impact parameters per service tier.
func DefaultImpactConfig() ImpactConfig {
	return ImpactConfig{
		Tiers: map[string]models.ImpactParams{
			"critical": {CostPerMinute: 1000, CostPerAffectedUser: 0.50, BusinessHoursStart: 9, BusinessHoursEnd: 17, BusinessHoursMultiplier: 2.0},
			"standard": {CostPerMinute: 100, CostPerAffectedUser: 0.10, BusinessHoursStart: 9, BusinessHoursEnd: 17, BusinessHoursMultiplier: 1.5},
			"internal": {CostPerMinute: 10, CostPerAffectedUser: 0.01, BusinessHoursStart: 9, BusinessHoursEnd: 17, BusinessHoursMultiplier: 1.0},
		},
	}
}

// DefaultRetentionConfig returns archival defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Enabled:       true,
		ArchiveAfter:  DefaultArchiveAfter,
		SweepInterval: 6 * time.Hour,
		BatchSize:     100,
	}
}

// DefaultActuatorConfig returns actuator defaults. No endpoint means dry-run.
func DefaultActuatorConfig() ActuatorConfig {
	return ActuatorConfig{
		Timeout: 30 * time.Second,
	}
}
