package api

import (
	"encoding/json"

	"github.com/aegisops/aegis/pkg/models"
)

// SubmitIncidentRequest is the HTTP request body for POST /api/v1/incidents.
type SubmitIncidentRequest struct {
	IdempotencyKey   string          `json:"idempotency_key"`
	Severity         string          `json:"severity"`
	ServiceTier      string          `json:"service_tier,omitempty"`
	AffectedServices []string        `json:"affected_services,omitempty"`
	AffectedUsers    int             `json:"affected_users,omitempty"`
	SourceIDs        []string        `json:"source_ids,omitempty"`
	Signals          json.RawMessage `json:"signals,omitempty"`

	Recommendation *models.AgentRecommendation `json:"recommendation,omitempty"`
}

// EscalateIncidentRequest is the HTTP request body for
// POST /api/v1/incidents/:id/escalate.
type EscalateIncidentRequest struct {
	Reason string `json:"reason,omitempty"`
}
