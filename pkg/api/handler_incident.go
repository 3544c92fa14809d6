package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aegisops/aegis/pkg/models"
	"github.com/aegisops/aegis/pkg/services"
)

// submitIncidentHandler handles POST /api/v1/incidents.
// Admits the detection event and returns immediately; a queue worker picks
// the incident up asynchronously.
func (s *Server) submitIncidentHandler(c *gin.Context) {
	var req SubmitIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := s.service.Submit(c.Request.Context(), services.SubmitInput{
		IdempotencyKey:   req.IdempotencyKey,
		Severity:         models.Severity(req.Severity),
		ServiceTier:      req.ServiceTier,
		AffectedServices: req.AffectedServices,
		AffectedUsers:    req.AffectedUsers,
		SourceIDs:        req.SourceIDs,
		Signals:          req.Signals,
		Recommendation:   req.Recommendation,
	})
	if err != nil {
		abortServiceError(c, err)
		return
	}

	status := http.StatusAccepted
	if out.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, &SubmitIncidentResponse{
		IncidentID: out.IncidentID,
		Status:     "queued",
		Duplicate:  out.Duplicate,
	})
}

// getIncidentHandler handles GET /api/v1/incidents/:id.
func (s *Server) getIncidentHandler(c *gin.Context) {
	out, err := s.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &IncidentResponse{
		Queue:          out.Queue,
		Incident:       out.Incident,
		BusinessImpact: out.Impact,
	})
}

// escalateIncidentHandler handles POST /api/v1/incidents/:id/escalate.
// Operator-initiated escalation; the body is optional.
func (s *Server) escalateIncidentHandler(c *gin.Context) {
	var req EscalateIncidentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	id := c.Param("id")
	if err := s.service.Escalate(c.Request.Context(), id, req.Reason); err != nil {
		abortServiceError(c, err)
		return
	}

	// Interrupt local processing if this pod owns the incident; other pods
	// notice the Escalated event on their next append.
	if s.pool != nil {
		s.pool.CancelIncident(id)
	}

	c.JSON(http.StatusOK, &EscalateIncidentResponse{
		IncidentID: id,
		Message:    "incident escalated to human operators",
	})
}
