package api

import (
	"github.com/aegisops/aegis/pkg/database"
	"github.com/aegisops/aegis/pkg/models"
	"github.com/aegisops/aegis/pkg/queue"
)

// SubmitIncidentResponse is returned by POST /api/v1/incidents.
type SubmitIncidentResponse struct {
	IncidentID string `json:"incident_id"`
	Status     string `json:"status"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// IncidentResponse is the read-side projection returned by
// GET /api/v1/incidents/:id.
type IncidentResponse struct {
	Queue          *models.QueuedIncident   `json:"queue"`
	Incident       *models.IncidentSnapshot `json:"incident,omitempty"`
	BusinessImpact float64                  `json:"business_impact_usd"`
}

// EscalateIncidentResponse is returned by POST /api/v1/incidents/:id/escalate.
type EscalateIncidentResponse struct {
	IncidentID string `json:"incident_id"`
	Message    string `json:"message"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Database   *database.HealthStatus `json:"database,omitempty"`
	WorkerPool *queue.PoolHealth      `json:"worker_pool,omitempty"`
}
