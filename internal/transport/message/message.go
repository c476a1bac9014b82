package message

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	domainmessage "github.com/alanyang/agent-coordinator/internal/domain/message"
	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
	"github.com/alanyang/agent-coordinator/internal/service/router"
)

// Relayer forwards a response that nobody is waiting on over HTTP to the
// sender's inbox. Implemented by *coordinator.Service.
type Relayer interface {
	Relay(ctx context.Context, req domainmessage.RoutedMessage, p *router.Pending)
}

func Register(rg *gin.RouterGroup, svc *router.Service, relay Relayer) {
	rg.POST("/route", routeMessage(svc, relay))
	rg.POST("/broadcast", broadcastMessage(svc))
	rg.POST("/responses", submitResponse(svc))
	rg.GET("/:id/response", awaitResponse(svc))
}

// StatusFor maps routing errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, router.ErrNoDestination), errors.Is(err, router.ErrNoPendingResponse):
		return http.StatusNotFound
	case errors.Is(err, router.ErrNoHealthyDestination):
		return http.StatusServiceUnavailable
	case errors.Is(err, router.ErrDeliveryFailure):
		return http.StatusBadGateway
	case errors.Is(err, router.ErrResponseTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, router.ErrMessageExpired):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrDuplicateMessage):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// normalize fills what a REST caller may omit and rejects what it may not.
func normalize(m *domainmessage.RoutedMessage, defaultType domainmessage.Type) error {
	if m.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Type == "" {
		m.Type = defaultType
	}
	if m.Priority == 0 {
		m.Priority = domainmessage.PriorityNormal
	}
	if !m.Priority.Valid() {
		return errors.New("priority must be between 1 and 5")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return nil
}

type routeResp struct {
	MessageID string                       `json:"message_id"`
	AgentID   string                       `json:"agent_id"`
	Response  *domainmessage.RoutedMessage `json:"response,omitempty"`
}

// routeMessage delivers one message. With ?wait=true and requires_response
// the call blocks until the reply arrives; otherwise the reply is relayed to
// the sender's inbox and 202 is returned.
func routeMessage(svc *router.Service, relay Relayer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req coordinator.RouteCommand
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := normalize(&req.RoutedMessage, domainmessage.TypeRequest); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.Strategy = domainmessage.ParseStrategy(string(req.Strategy))

		receipt, err := svc.Route(c.Request.Context(), req.RoutedMessage, req.Target)
		if err != nil {
			c.JSON(StatusFor(err), gin.H{"error": err.Error(), "message_id": req.ID})
			return
		}
		out := routeResp{MessageID: req.ID, AgentID: receipt.AgentID}
		if receipt.Pending == nil {
			c.JSON(http.StatusOK, out)
			return
		}

		if c.Query("wait") != "true" {
			if relay != nil {
				relay.Relay(c.Request.Context(), req.RoutedMessage, receipt.Pending)
			}
			c.JSON(http.StatusAccepted, out)
			return
		}
		resp, err := receipt.Pending.Wait(c.Request.Context())
		if err != nil {
			c.JSON(StatusFor(err), gin.H{"error": err.Error(), "message_id": req.ID, "agent_id": receipt.AgentID})
			return
		}
		out.Response = &resp
		c.JSON(http.StatusOK, out)
	}
}

func broadcastMessage(svc *router.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req coordinator.BroadcastCommand
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := normalize(&req.RoutedMessage, domainmessage.TypeBroadcast); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		n := svc.Broadcast(c.Request.Context(), req.RoutedMessage, req.BroadcastFilter)
		c.JSON(http.StatusOK, gin.H{"message_id": req.ID, "delivered": n})
	}
}

func submitResponse(svc *router.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var resp domainmessage.RoutedMessage
		if err := c.ShouldBindJSON(&resp); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if resp.CorrelationID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "correlation_id is required"})
			return
		}
		if err := normalize(&resp, domainmessage.TypeResponse); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if !svc.Resolve(resp) {
			c.JSON(http.StatusNotFound, gin.H{"error": router.ErrNoPendingResponse.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"resolved": resp.CorrelationID})
	}
}

// awaitResponse long-polls a slot that is still open.
func awaitResponse(svc *router.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := svc.Await(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(StatusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
