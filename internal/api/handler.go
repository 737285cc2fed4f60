// Package api exposes the operator HTTP surface: broker lifecycle
// endpoints, sync conflict inspection, and a websocket relaying the
// event bus to dashboard clients.
package api

import (
	"net/http"
	"time"

	"broker-core/internal/events"
	"broker-core/internal/httpclient"
	"broker-core/internal/orchestrator"
	"broker-core/internal/syncengine"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the orchestrator and event bus.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	Orch     *orchestrator.Orchestrator
	Monitor  *orchestrator.Monitor
	Sync     *syncengine.Engine
	Fallback *httpclient.FallbackClient

	OperatorUser    string
	OperatorPass    string
	JWTSecret       string
	SessionLifetime time.Duration
}

// Deps carries everything the server needs; nil members disable the
// corresponding endpoints gracefully.
type Deps struct {
	Bus      *events.Bus
	Orch     *orchestrator.Orchestrator
	Monitor  *orchestrator.Monitor
	Sync     *syncengine.Engine
	Fallback *httpclient.FallbackClient

	OperatorUser    string
	OperatorPass    string
	JWTSecret       string
	SessionLifetime time.Duration
}

func NewServer(deps Deps) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger())       // Request logging (after ID is set)
	r.Use(RateLimitMiddleware()) // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware()) // CORS (last before routes)

	if deps.SessionLifetime <= 0 {
		deps.SessionLifetime = 12 * time.Hour
	}
	s := &Server{
		Router:          r,
		Bus:             deps.Bus,
		Orch:            deps.Orch,
		Monitor:         deps.Monitor,
		Sync:            deps.Sync,
		Fallback:        deps.Fallback,
		OperatorUser:    deps.OperatorUser,
		OperatorPass:    deps.OperatorPass,
		JWTSecret:       deps.JWTSecret,
		SessionLifetime: deps.SessionLifetime,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/broker/status/all", s.getAllBrokerStatuses)
			protected.GET("/broker/status/:id", s.getBrokerStatus)
			protected.POST("/broker/connect", s.connectBroker)
			protected.POST("/broker/disconnect", s.disconnectBroker)
			protected.POST("/broker/test", s.testBroker)
			protected.GET("/broker/health", s.getBrokerHealth)

			protected.GET("/sync/conflicts", s.getSyncConflicts)
			protected.POST("/sync/conflicts/:id/resolve", s.resolveSyncConflict)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
