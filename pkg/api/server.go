// Package api is the HTTP adapter: session CRUD, the message/stream/abort
// surface over the registry, and health. Authentication is injected by the
// fronting proxy via the X-User-ID header; this layer trusts it.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opencouncil/councild/pkg/config"
	"github.com/opencouncil/councild/pkg/council"
	"github.com/opencouncil/councild/pkg/registry"
	"github.com/opencouncil/councild/pkg/store"
	"github.com/opencouncil/councild/pkg/version"
)

// Server wires the HTTP surface to the core collaborators.
type Server struct {
	cfg      *config.Config
	store    store.Store
	registry *registry.Registry
	orch     *council.Orchestrator
}

func NewServer(cfg *config.Config, st store.Store, reg *registry.Registry, orch *council.Orchestrator) *Server {
	return &Server{cfg: cfg, store: st, registry: reg, orch: orch}
}

// Router builds the gin engine with middleware and all routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(), gin.Recovery())

	r.GET("/healthz", s.Health)

	sessions := r.Group("/api/sessions", userAuth())
	{
		sessions.POST("", s.CreateSession)
		sessions.GET("", s.ListSessions)
		sessions.GET("/:sessionID", s.GetSession)
		sessions.DELETE("/:sessionID", s.DeleteSession)

		sessions.POST("/:sessionID/messages", s.SendMessage)
		sessions.GET("/:sessionID/status", s.ProcessingStatus)
		sessions.GET("/:sessionID/stream", s.Reconnect)
		sessions.POST("/:sessionID/abort", s.AbortProcessing)
	}
	return r
}

// Health reports liveness, store reachability, and processing gauges.
func (s *Server) Health(c *gin.Context) {
	status, storeStatus := "healthy", "ok"
	code := http.StatusOK
	if err := s.store.Ping(c.Request.Context()); err != nil {
		status, storeStatus = "degraded", "unreachable"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":      status,
		"store":       storeStatus,
		"version":     version.Full(),
		"active_jobs": s.registry.ActiveCount(),
		"connections": s.registry.Connections(),
	})
}
