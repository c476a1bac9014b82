package agent

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	domainagent "github.com/alanyang/agent-coordinator/internal/domain/agent"
	"github.com/alanyang/agent-coordinator/internal/service/registry"
)

func Register(rg *gin.RouterGroup, svc *registry.Service) {
	rg.POST("/register", registerAgent(svc))
	rg.POST("/:id/heartbeat", heartbeat(svc))
	rg.DELETE("/:id", unregisterAgent(svc))
	rg.GET("/", listAgents(svc))
	rg.GET("/best", bestAgent(svc))
	rg.GET("/breakers", breakers(svc))
	rg.GET("/:id", getAgent(svc))
}

type registerReq struct {
	ID                    string         `json:"agent_id" binding:"required"`
	Type                  string         `json:"agent_type" binding:"required"`
	Capabilities          []string       `json:"capabilities"`
	ReputationScore       *float64       `json:"reputation_score"`
	ServiceLevel          *float64       `json:"service_level"`
	LoadFactor            float64        `json:"load_factor"`
	MaxConcurrentRequests int            `json:"max_concurrent_requests"`
	Endpoint              string         `json:"endpoint"`
	Version               string         `json:"version"`
	Metadata              map[string]any `json:"metadata"`
}

func (r registerReq) profile() domainagent.Profile {
	p := domainagent.New(r.ID, r.Type, r.Capabilities)
	if r.ReputationScore != nil {
		p.ReputationScore = *r.ReputationScore
	}
	if r.ServiceLevel != nil {
		p.ServiceLevel = *r.ServiceLevel
	}
	if r.MaxConcurrentRequests > 0 {
		p.MaxConcurrentRequests = r.MaxConcurrentRequests
	}
	if r.Metadata != nil {
		p.Metadata = r.Metadata
	}
	p.LoadFactor = r.LoadFactor
	p.Endpoint = r.Endpoint
	p.Version = r.Version
	return p
}

func registerAgent(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		p, err := svc.Register(c.Request.Context(), req.profile())
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, domainagent.ErrInvalidProfile) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, p)
	}
}

type heartbeatReq struct {
	LoadFactor float64            `json:"load_factor"`
	Status     domainagent.Status `json:"status"`
}

func heartbeat(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req heartbeatReq
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if req.Status != "" && !req.Status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}

		if !svc.Heartbeat(c.Request.Context(), c.Param("id"), req.LoadFactor, req.Status) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not registered"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func unregisterAgent(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !svc.Unregister(c.Request.Context(), c.Param("id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not registered"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func listAgents(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filters domainagent.ListFilters

		if v := c.Query("type"); v != "" {
			filters.Type = &v
		}
		if v := c.Query("capability"); v != "" {
			filters.Capability = &v
		}
		if v := c.Query("status"); v != "" {
			s := domainagent.Status(v)
			if !s.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
				return
			}
			filters.Status = &s
		}

		agents := svc.List(filters)
		if agents == nil {
			agents = []domainagent.Profile{}
		}
		c.JSON(http.StatusOK, agents)
	}
}

func bestAgent(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		capability := c.Query("capability")
		if capability == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "capability is required"})
			return
		}
		p, ok := svc.BestForCapability(capability)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no healthy agent with capability " + capability})
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func breakers(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Breakers())
	}
}

func getAgent(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := svc.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not registered"})
			return
		}
		c.JSON(http.StatusOK, p)
	}
}
