package local

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/alanyang/agent-coordinator/internal/domain/collaboration"
	"github.com/alanyang/agent-coordinator/internal/domain/message"
	portscoring "github.com/alanyang/agent-coordinator/internal/port/scoring"
)

// Decisions a ScoringAgent votes with.
const (
	DecisionBullish = "bullish"
	DecisionBearish = "bearish"
	DecisionNeutral = "neutral"
)

const recommendBelow = 0.5

// StaticScorer returns the same scores for every input.
type StaticScorer portscoring.Scores

func (s StaticScorer) Score(context.Context, string, map[string]any) (portscoring.Scores, error) {
	return maps.Clone(portscoring.Scores(s)), nil
}

// ScoringAgent is a reference in-process agent that answers consensus and
// peer-review requests from a Scorer's output. Other requests are ignored.
type ScoringAgent struct {
	id     string
	scorer portscoring.Scorer
}

func NewScoringAgent(id string, scorer portscoring.Scorer) *ScoringAgent {
	return &ScoringAgent{id: id, scorer: scorer}
}

func (a *ScoringAgent) ID() string { return a.id }

func (a *ScoringAgent) Handle(ctx context.Context, msg message.RoutedMessage) (*message.RoutedMessage, error) {
	if !msg.RequiresResponse {
		return nil, nil
	}
	switch msg.Payload["type"] {
	case collaboration.RequestConsensus:
		return a.vote(ctx, msg)
	case collaboration.RequestPeerReview:
		return a.review(ctx, msg)
	default:
		return nil, nil
	}
}

func (a *ScoringAgent) vote(ctx context.Context, msg message.RoutedMessage) (*message.RoutedMessage, error) {
	topic, _ := msg.Payload["topic"].(string)
	data, _ := msg.Payload["data"].(map[string]any)

	scores, err := a.scorer.Score(ctx, topic, data)
	if err != nil {
		return nil, fmt.Errorf("scoring consensus topic %q: %w", topic, err)
	}
	confidence := mean(scores)

	decision := DecisionNeutral
	switch {
	case len(scores) == 0:
	case confidence >= 0.6:
		decision = DecisionBullish
	case confidence <= 0.4:
		decision = DecisionBearish
	}

	resp := message.NewResponse(msg, a.id, map[string]any{
		"collaboration_id": msg.Payload["collaboration_id"],
		"type":             "consensus_response",
		"decision":         decision,
		"confidence":       confidence,
	})
	return &resp, nil
}

func (a *ScoringAgent) review(ctx context.Context, msg message.RoutedMessage) (*message.RoutedMessage, error) {
	criteria := stringList(msg.Payload["review_criteria"])
	analysis, _ := json.Marshal(msg.Payload["analysis_data"])

	scores, err := a.scorer.Score(ctx, string(analysis), map[string]any{
		"subject_agent":   msg.Payload["subject_agent"],
		"review_criteria": criteria,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring review for %v: %w", msg.Payload["subject_agent"], err)
	}

	// Scores travel as map[string]any so local and bus replies look alike.
	out := make(map[string]any, len(criteria))
	recs := []any{}
	for _, c := range criteria {
		v, ok := scores[c]
		if !ok {
			continue
		}
		out[c] = v
		if v < recommendBelow {
			recs = append(recs, "improve "+c)
		}
	}

	resp := message.NewResponse(msg, a.id, map[string]any{
		"review_id":       msg.Payload["review_id"],
		"type":            "peer_review_response",
		"scores":          out,
		"recommendations": recs,
	})
	return &resp, nil
}

func mean(s portscoring.Scores) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return slices.Clone(l)
	case []any:
		out := make([]string, 0, len(l))
		for _, x := range l {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
