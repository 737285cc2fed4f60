package api

import (
	"net/http"

	"broker-core/internal/syncengine"

	"github.com/gin-gonic/gin"
)

// getStatus reports overall system health: backend reachability plus
// every broker link. Public so the dashboard can render before login.
func (s *Server) getStatus(c *gin.Context) {
	out := gin.H{"status": "ok"}
	if s.Fallback != nil {
		backend := s.Fallback.BackendStatus(c.Request.Context())
		out["backend"] = backend
		if !backend.Available {
			out["status"] = "degraded"
		}
	}
	if s.Orch != nil {
		out["brokers"] = s.Orch.AllStatuses(c.Request.Context())
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getAllBrokerStatuses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"brokers": s.Orch.AllStatuses(c.Request.Context()),
	})
}

func (s *Server) getBrokerStatus(c *gin.Context) {
	conn := s.Orch.Status(c.Request.Context(), c.Param("id"))
	c.JSON(http.StatusOK, conn)
}

// connectBroker validates and connects one broker. Failures come back as
// a Connection with status "error", never a 5xx.
func (s *Server) connectBroker(c *gin.Context) {
	var req struct {
		Broker      string            `json:"broker"`
		Credentials map[string]string `json:"credentials"`
	}
	if err := c.BindJSON(&req); err != nil || req.Broker == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "broker and credentials are required",
		})
		return
	}
	conn := s.Orch.ConnectBroker(c.Request.Context(), req.Broker, req.Credentials)
	c.JSON(http.StatusOK, conn)
}

func (s *Server) disconnectBroker(c *gin.Context) {
	var req struct {
		Broker string `json:"broker"`
	}
	if err := c.BindJSON(&req); err != nil || req.Broker == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "broker is required",
		})
		return
	}
	conn := s.Orch.DisconnectBroker(c.Request.Context(), req.Broker)
	c.JSON(http.StatusOK, conn)
}

func (s *Server) testBroker(c *gin.Context) {
	var req struct {
		Broker string `json:"broker"`
	}
	if err := c.BindJSON(&req); err != nil || req.Broker == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "broker is required",
		})
		return
	}
	results := s.Orch.TestBroker(c.Request.Context(), req.Broker)
	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"broker":  req.Broker,
		"passed":  passed,
		"total":   len(results),
		"results": results,
	})
}

func (s *Server) getBrokerHealth(c *gin.Context) {
	if s.Monitor == nil {
		c.JSON(http.StatusOK, gin.H{"brokers": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"brokers": s.Monitor.AllHealth()})
}

func (s *Server) getSyncConflicts(c *gin.Context) {
	if s.Sync == nil {
		c.JSON(http.StatusOK, gin.H{"conflicts": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": s.Sync.PendingConflicts()})
}

// resolveSyncConflict applies an operator-chosen winning record.
func (s *Server) resolveSyncConflict(c *gin.Context) {
	if s.Sync == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "SYNC_DISABLED",
			"error": "sync engine not running",
		})
		return
	}
	var winner syncengine.Record
	if err := c.BindJSON(&winner); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid winning record",
		})
		return
	}
	id := c.Param("id")
	if err := s.Sync.ResolveConflict(id, winner); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "UNKNOWN_CONFLICT",
			"error": err.Error(),
		})
		return
	}
	rec, _ := s.Sync.Get(id)
	c.JSON(http.StatusOK, gin.H{"resolved": true, "record": rec})
}
