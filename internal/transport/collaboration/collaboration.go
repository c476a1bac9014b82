package collaboration

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alanyang/agent-coordinator/internal/service/orchestrator"
)

func Register(rg *gin.RouterGroup, svc *orchestrator.Service) {
	rg.POST("/consensus", buildConsensus(svc))
	rg.POST("/peer-review", peerReview(svc))
}

type consensusReq struct {
	Topic          string         `json:"topic" binding:"required"`
	Participants   []string       `json:"participants" binding:"required,min=1"`
	DecisionData   map[string]any `json:"decision_data"`
	TimeoutSeconds float64        `json:"timeout_seconds" binding:"gte=0"`
}

// buildConsensus blocks until every participant answered or the timeout
// passed; the result is returned either way.
func buildConsensus(svc *orchestrator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req consensusReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
		res := svc.BuildConsensus(c.Request.Context(), req.Topic, req.Participants, req.DecisionData, timeout)
		c.JSON(http.StatusOK, res)
	}
}

type reviewReq struct {
	SubjectAgent   string         `json:"subject_agent" binding:"required"`
	AnalysisData   map[string]any `json:"analysis_data"`
	ReviewCriteria []string       `json:"review_criteria" binding:"required,min=1"`
	NumReviewers   int            `json:"num_reviewers" binding:"gte=0"`
}

func peerReview(svc *orchestrator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reviewReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res := svc.PeerReview(c.Request.Context(), req.SubjectAgent, req.AnalysisData, req.ReviewCriteria, req.NumReviewers)
		c.JSON(http.StatusOK, res)
	}
}
