package config

import (
	"time"

	"github.com/aegisops/aegis/pkg/models"
)

// This file is the single shared-constants record for timeouts, weights, and
// thresholds. Components must take these values from the loaded Config (which
// defaults to the constants below) rather than hard-coding their own copies.

// Per-class hard timeouts for agent invocations.
const (
	DefaultDetectionTimeout     = 60 * time.Second
	DefaultDiagnosisTimeout     = 180 * time.Second
	DefaultPredictionTimeout    = 90 * time.Second
	DefaultResolutionTimeout    = 300 * time.Second
	DefaultCommunicationTimeout = 30 * time.Second

	// DefaultGlobalPhaseBudget bounds Detected → AwaitingConsensus.
	DefaultGlobalPhaseBudget = 600 * time.Second

	// DefaultConsensusBudget bounds one consensus evaluation; past it the
	// engine returns the best single recommendation and escalates to a human.
	DefaultConsensusBudget = 120 * time.Second

	// DefaultCancelGrace is how long a cancelled agent gets to flush a
	// partial result before its task is abandoned.
	DefaultCancelGrace = 5 * time.Second

	// DefaultResolvingCheckpointInterval is the periodic checkpoint cadence
	// while an action executes.
	DefaultResolvingCheckpointInterval = 30 * time.Second

	// DefaultOutageBudget is how long event-store appends are retried before
	// every active incident is escalated.
	DefaultOutageBudget = 10 * time.Minute

	// DefaultDedupWindow is the idempotency-key deduplication window for
	// incoming detection events.
	DefaultDedupWindow = 24 * time.Hour

	// DefaultCredentialTTL is the lifetime of a JIT credential handle.
	DefaultCredentialTTL = 15 * time.Minute
)

// Canonical consensus weights. Normalized over the trusted subset at
// evaluation time; Communication carries no consensus weight.
var CanonicalWeights = map[models.AgentClass]float64{
	models.AgentDetection:  0.2,
	models.AgentDiagnosis:  0.4,
	models.AgentPrediction: 0.3,
	models.AgentResolution: 0.1,
}

// Consensus thresholds.
const (
	DefaultApprovalThreshold  = 0.70
	DefaultDegradedThreshold  = 0.60
	DefaultMinTrusted         = 3
	DefaultBehaviorZThreshold = 2.5
)

// Circuit breaker defaults.
const (
	DefaultBreakerFailureBudget   = 5
	DefaultBreakerOpenInterval    = 30 * time.Second
	DefaultBreakerHalfOpenProbes  = 3
	DefaultBreakerCloseSuccesses  = 2
)

// Rate limiter defaults.
const (
	DefaultQueueWaitBound = 300 * time.Second
	DefaultRetryCeiling   = 60 * time.Second
)

// DefaultArchiveAfter is the cold-tier archival age for closed incidents.
const DefaultArchiveAfter = 180 * 24 * time.Hour
