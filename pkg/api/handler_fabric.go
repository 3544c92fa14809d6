package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aegisops/aegis/pkg/fabric"
)

// fabricBreakersHandler handles GET /api/v1/fabric/breakers: the current
// circuit-breaker state per channel, for operators watching a brownout.
func (s *Server) fabricBreakersHandler(c *gin.Context) {
	snapshots := []fabric.BreakerSnapshot{}
	if s.fab != nil {
		snapshots = s.fab.Snapshots()
	}
	c.JSON(http.StatusOK, gin.H{"breakers": snapshots})
}
