package config

import "time"

// QueueConfig holds the incident queue and worker pool settings.
type QueueConfig struct {
	// WorkerCount is the number of concurrent incident workers.
	WorkerCount int `yaml:"worker_count"`

	// AdmissionCap bounds pending + in-progress incidents; beyond it new
	// submissions are rejected with a retryable error.
	AdmissionCap int `yaml:"admission_cap"`

	// PollInterval is the base interval between queue polls; each poll adds
	// uniform jitter in [0, PollJitter) to avoid thundering herd.
	PollInterval time.Duration `yaml:"poll_interval"`
	PollJitter   time.Duration `yaml:"poll_jitter"`

	// HeartbeatInterval is how often a worker refreshes its claim on an
	// in-progress incident.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OrphanCheckInterval and OrphanThreshold drive recovery of incidents
	// whose worker died; a claim older than the threshold is released.
	OrphanCheckInterval time.Duration `yaml:"orphan_check_interval"`
	OrphanThreshold     time.Duration `yaml:"orphan_threshold"`

	// GracefulShutdownTimeout bounds how long shutdown waits for in-flight
	// incidents to checkpoint before releasing their claims.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}
