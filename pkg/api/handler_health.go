package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aegisops/aegis/pkg/database"
	"github.com/aegisops/aegis/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /healthz.
// Only this service's own components (database, worker pool) are checked;
// agent channels are excluded so an upstream brownout cannot get the service
// restarted by its orchestrator.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy
	resp := &HealthResponse{Version: version.Full()}

	if s.db != nil {
		dbHealth, err := database.Health(reqCtx, s.db.DB())
		resp.Database = dbHealth
		if err != nil {
			status = healthStatusUnhealthy
		}
	}

	if s.pool != nil {
		poolHealth := s.pool.Health()
		resp.WorkerPool = poolHealth
		if !poolHealth.IsHealthy && status == healthStatusHealthy {
			status = healthStatusDegraded
		}
	}

	resp.Status = status
	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, resp)
}
