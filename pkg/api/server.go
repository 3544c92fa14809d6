// Package api exposes the operational HTTP surface: incident submission, the
// read-side projection, operator escalation, health, and metrics.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/database"
	"github.com/aegisops/aegis/pkg/fabric"
	"github.com/aegisops/aegis/pkg/queue"
	"github.com/aegisops/aegis/pkg/services"
)

// maxBodyBytes bounds incoming request bodies; detection payloads past this
// are rejected before JSON decoding starts.
const maxBodyBytes = 1 << 20

// Server is the operational API server.
type Server struct {
	cfg      *config.Config
	db       *database.Client
	service  *services.IncidentService
	pool     *queue.WorkerPool
	fab      *fabric.Fabric
	registry *prometheus.Registry

	httpSrv *http.Server
}

// NewServer wires the API server. db, pool, and fab may be nil in
// database-less development mode; the health endpoint reports what it can.
func NewServer(cfg *config.Config, db *database.Client, service *services.IncidentService, pool *queue.WorkerPool, fab *fabric.Fabric, registry *prometheus.Registry) *Server {
	return &Server{
		cfg:      cfg,
		db:       db,
		service:  service,
		pool:     pool,
		fab:      fab,
		registry: registry,
	}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders(), bodyLimit(maxBodyBytes))

	r.GET("/healthz", s.healthHandler)
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/incidents", s.submitIncidentHandler)
		v1.GET("/incidents/:id", s.getIncidentHandler)
		v1.POST("/incidents/:id/escalate", s.escalateIncidentHandler)
		v1.GET("/fabric/breakers", s.fabricBreakersHandler)
	}
	return r
}

// Start runs the HTTP server until Shutdown. Blocks; returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.API.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.API.ReadTimeout,
		WriteTimeout: s.cfg.API.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.API.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}
