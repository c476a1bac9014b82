package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
	"github.com/alanyang/agent-coordinator/internal/service/orchestrator"
	"github.com/alanyang/agent-coordinator/internal/service/registry"
	"github.com/alanyang/agent-coordinator/internal/service/router"

	agenthandler "github.com/alanyang/agent-coordinator/internal/transport/agent"
	collabhandler "github.com/alanyang/agent-coordinator/internal/transport/collaboration"
	messagehandler "github.com/alanyang/agent-coordinator/internal/transport/message"
	wshandler "github.com/alanyang/agent-coordinator/internal/transport/ws"
)

// Deps is everything the HTTP surface serves. Metrics and MCP are optional.
type Deps struct {
	Registry     *registry.Service
	Router       *router.Service
	Orchestrator *orchestrator.Service
	Coordinator  *coordinator.Service
	Bus          porteventbus.EventBus

	Metrics interface {
		HTTPObserver
		Handler() http.Handler
	}
	MCP http.Handler
}

// NewRouter builds the gin engine. The returned subscriptions feed the
// websocket hub and belong to the caller.
func NewRouter(ctx context.Context, d Deps) (*gin.Engine, []porteventbus.Subscription, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(CORSMiddleware())
	if d.Metrics != nil {
		r.Use(MetricsMiddleware(d.Metrics))
	}

	api := r.Group("/api")

	agenthandler.Register(api.Group("/agents"), d.Registry)
	messagehandler.Register(api.Group("/messages"), d.Router, d.Coordinator)
	collabhandler.Register(api.Group("/collaborations"), d.Orchestrator)
	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Coordinator.Stats())
	})

	// Registry changes and stats snapshots go to browsers as-is; the
	// envelope topic lets clients tell them apart.
	hub := wshandler.NewHub()
	hub.Register(api.Group("/ws"))
	subs, err := hub.Feed(ctx, d.Bus, event.TopicAgentUpdates, event.TopicStats)
	if err != nil {
		return nil, nil, fmt.Errorf("feeding websocket hub: %w", err)
	}

	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}
	if d.MCP != nil {
		r.Any("/mcp", gin.WrapH(d.MCP))
	}

	return r, subs, nil
}
