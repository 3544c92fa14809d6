package config

import (
	"time"

	"github.com/aegisops/aegis/pkg/models"
)

// Config is the root configuration for the aegis service. It is assembled by
// Initialize from aegis.yaml plus actions.yaml, with env-var expansion applied
// and built-in defaults merged underneath.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	API       APIConfig       `yaml:"api"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Fabric    FabricConfig    `yaml:"fabric"`
	Impact    ImpactConfig    `yaml:"impact"`
	Retention RetentionConfig `yaml:"retention"`
	Actuator  ActuatorConfig  `yaml:"actuator"`
	Agents    []AgentConfig   `yaml:"agents"`

	// Actions is the immutable action whitelist loaded from actions.yaml.
	Actions map[string]models.ActionTemplate `yaml:"-"`
}

// DatabaseConfig holds PostgreSQL connection settings. When Enabled is false
// the service runs on in-memory stores, which is only suitable for tests and
// local development.
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`

	// Partitions is the hot-tier partition count; incidents map to
	// partitions by hash(incident_id) mod Partitions.
	Partitions int `yaml:"partitions"`
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TimeoutConfig centralizes every agent and phase deadline.
type TimeoutConfig struct {
	Detection     time.Duration `yaml:"detection"`
	Diagnosis     time.Duration `yaml:"diagnosis"`
	Prediction    time.Duration `yaml:"prediction"`
	Resolution    time.Duration `yaml:"resolution"`
	Communication time.Duration `yaml:"communication"`

	GlobalPhaseBudget   time.Duration `yaml:"global_phase_budget"`
	CancelGrace         time.Duration `yaml:"cancel_grace"`
	CheckpointInterval  time.Duration `yaml:"checkpoint_interval"`
	EventStoreOutage    time.Duration `yaml:"event_store_outage"`
	DedupWindow         time.Duration `yaml:"dedup_window"`
	CredentialTTL       time.Duration `yaml:"credential_ttl"`
}

// ForClass returns the hard timeout for an agent class.
func (t TimeoutConfig) ForClass(class models.AgentClass) time.Duration {
	switch class {
	case models.AgentDetection:
		return t.Detection
	case models.AgentDiagnosis:
		return t.Diagnosis
	case models.AgentPrediction:
		return t.Prediction
	case models.AgentResolution:
		return t.Resolution
	case models.AgentCommunication:
		return t.Communication
	default:
		return t.Communication
	}
}

// ConsensusConfig holds the consensus engine's tunables. Weights default to
// the canonical record and are normalized over the trusted subset at
// evaluation time.
type ConsensusConfig struct {
	Weights            map[models.AgentClass]float64 `yaml:"weights"`
	ApprovalThreshold  float64                       `yaml:"approval_threshold"`
	DegradedThreshold  float64                       `yaml:"degraded_threshold"`
	MinTrusted         int                           `yaml:"min_trusted"`
	Budget             time.Duration                 `yaml:"budget"`
	BehaviorZThreshold float64                       `yaml:"behavior_z_threshold"`

	// BehaviorWindow is how many recent recommendations per agent feed the
	// behavioral baseline.
	BehaviorWindow int `yaml:"behavior_window"`
}

// FabricConfig holds the rate-limit and circuit-breaker fabric settings.
type FabricConfig struct {
	Channels map[string]ChannelConfig `yaml:"channels"`
	Breaker  BreakerConfig            `yaml:"breaker"`

	// QueueWaitBound caps how long a throttled request may wait before it is
	// rejected back to the caller.
	QueueWaitBound time.Duration `yaml:"queue_wait_bound"`

	// RetryCeiling caps exponential backoff between retries.
	RetryCeiling time.Duration `yaml:"retry_ceiling"`
}

// ChannelConfig is one rate-limited upstream channel (a model/provider pair).
type ChannelConfig struct {
	// RequestsPerMinute refills the token bucket; Burst is its capacity.
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`

	// Fallbacks are channel names tried in order when this channel's breaker
	// is open or its queue is saturated.
	Fallbacks []string `yaml:"fallbacks"`
}

// BreakerConfig holds the shared circuit breaker thresholds.
type BreakerConfig struct {
	FailureBudget  int           `yaml:"failure_budget"`
	OpenInterval   time.Duration `yaml:"open_interval"`
	HalfOpenProbes int           `yaml:"half_open_probes"`
	CloseSuccesses int           `yaml:"close_successes"`
}

// ImpactConfig maps service tiers to business-impact parameters.
type ImpactConfig struct {
	Tiers map[string]models.ImpactParams `yaml:"tiers"`
}

// RetentionConfig controls hot-tier archival of closed incidents.
type RetentionConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ArchiveAfter  time.Duration `yaml:"archive_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// ActuatorConfig points at the remediation executor service. With an empty
// endpoint the service runs the dry-run actuator, which records every call
// without touching infrastructure.
type ActuatorConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AgentConfig registers one agent with the orchestrator.
type AgentConfig struct {
	Name  string            `yaml:"name"`
	Class models.AgentClass `yaml:"class"`

	// IdentityKey signs recommendations (HMAC-SHA256). Set via env expansion,
	// never committed in plaintext.
	IdentityKey string `yaml:"identity_key"`

	// Channel is the fabric channel this agent's upstream calls go through.
	Channel string `yaml:"channel"`

	// Permissions the agent's identity holds; the security gate checks an
	// action template's required permissions against them.
	Permissions []string `yaml:"permissions"`
}

// GetAction returns the whitelist template for an action id.
func (c *Config) GetAction(actionID string) (models.ActionTemplate, error) {
	tmpl, ok := c.Actions[actionID]
	if !ok {
		return models.ActionTemplate{}, NewValidationError("action", actionID, "", ErrActionNotFound)
	}
	return tmpl, nil
}

// GetChannel returns the fabric channel configuration by name.
func (c *Config) GetChannel(name string) (ChannelConfig, error) {
	ch, ok := c.Fabric.Channels[name]
	if !ok {
		return ChannelConfig{}, NewValidationError("channel", name, "", ErrChannelNotFound)
	}
	return ch, nil
}

// AgentsByClass groups the configured agents by class, preserving file order
// within each class (file order is the fallback-chain order).
func (c *Config) AgentsByClass() map[models.AgentClass][]AgentConfig {
	out := make(map[models.AgentClass][]AgentConfig)
	for _, a := range c.Agents {
		out[a.Class] = append(out[a.Class], a)
	}
	return out
}
