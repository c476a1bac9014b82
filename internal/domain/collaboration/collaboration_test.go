package collaboration_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/alanyang/agent-coordinator/internal/domain/collaboration"
)

func vote(d string) map[string]any { return map[string]any{"decision": d} }

// ── AnalyzeConsensus ──────────────────────────────────────────────────────────

func TestAnalyzeConsensus(t *testing.T) {
	participants := []string{"p1", "p2", "p3"}
	tests := []struct {
		name          string
		responses     map[string]map[string]any
		wantAchieved  bool
		wantScore     float64
		wantDecision  string
		wantNil       bool
		wantDissent   []string
		wantVoteCount map[string]int
	}{
		{
			name:          "two of three agree",
			responses:     map[string]map[string]any{"p1": vote("buy"), "p2": vote("buy"), "p3": vote("hold")},
			wantAchieved:  true,
			wantScore:     2.0 / 3.0,
			wantDecision:  "buy",
			wantDissent:   []string{"p3"},
			wantVoteCount: map[string]int{"buy": 2, "hold": 1},
		},
		{
			name:         "score uses responses not participants",
			responses:    map[string]map[string]any{"p1": vote("buy"), "p2": vote("buy")},
			wantAchieved: true,
			wantScore:    1.0,
			wantDecision: "buy",
			wantDissent:  []string{},
		},
		{
			name:         "split below threshold",
			responses:    map[string]map[string]any{"p1": vote("buy"), "p2": vote("sell")},
			wantAchieved: false,
			wantScore:    0.5,
			wantDecision: "buy",
			wantDissent:  []string{"p2"},
		},
		{
			name:        "no responses",
			responses:   map[string]map[string]any{},
			wantNil:     true,
			wantDissent: []string{"p1", "p2", "p3"},
		},
		{
			name:        "responses without decisions",
			responses:   map[string]map[string]any{"p1": {"note": "x"}, "p3": {}},
			wantNil:     true,
			wantDissent: []string{"p1", "p3"},
		},
		{
			name:         "responder without decision dissents",
			responses:    map[string]map[string]any{"p1": vote("buy"), "p2": {"note": "abstain"}},
			wantAchieved: true,
			wantScore:    1.0,
			wantDecision: "buy",
			wantDissent:  []string{"p2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AnalyzeConsensus(participants, tt.responses, DefaultConsensusThreshold)
			assert.Equal(t, tt.wantAchieved, got.ConsensusAchieved)
			assert.InDelta(t, tt.wantScore, got.AgreementScore, 1e-9)
			assert.Equal(t, tt.wantDissent, got.DissentingAgents)
			if tt.wantNil {
				assert.Nil(t, got.FinalDecision)
			} else {
				require.NotNil(t, got.FinalDecision)
				assert.Equal(t, tt.wantDecision, *got.FinalDecision)
			}
			if tt.wantVoteCount != nil {
				assert.Equal(t, tt.wantVoteCount, got.Votes)
			}
		})
	}
}

func TestAnalyzeConsensus_TieGoesToFirstInParticipantOrder(t *testing.T) {
	participants := []string{"p1", "p2", "p3", "p4"}
	responses := map[string]map[string]any{
		"p1": vote("sell"), "p2": vote("buy"), "p3": vote("buy"), "p4": vote("sell"),
	}
	got := AnalyzeConsensus(participants, responses, DefaultConsensusThreshold)
	require.NotNil(t, got.FinalDecision)
	assert.Equal(t, "sell", *got.FinalDecision)
	assert.False(t, got.ConsensusAchieved)
	assert.Equal(t, []string{"p2", "p3"}, got.DissentingAgents)
}

func TestAnalyzeConsensus_NonStringDecision(t *testing.T) {
	got := AnalyzeConsensus([]string{"p1", "p2"},
		map[string]map[string]any{"p1": {"decision": true}, "p2": {"decision": true}}, 0.6)
	require.NotNil(t, got.FinalDecision)
	assert.Equal(t, "true", *got.FinalDecision)
	assert.True(t, got.ConsensusAchieved)
}

// ── AggregateReviews ──────────────────────────────────────────────────────────

func TestAggregateReviews(t *testing.T) {
	reviews := []Review{
		{ReviewerID: "r1", Content: map[string]any{
			"scores":          map[string]any{"accuracy": 0.8, "methodology": 0.6},
			"recommendations": []any{"widen window", "add volume"},
		}},
		{ReviewerID: "r2", Content: map[string]any{
			"scores":          map[string]any{"accuracy": 0.6},
			"recommendations": []any{"add volume", "check outliers"},
		}},
	}

	got := AggregateReviews(reviews, []string{"accuracy", "methodology", "completeness"})

	assert.Equal(t, 2, got.ReviewerCount)
	assert.Equal(t, []string{"r1", "r2"}, got.Reviewers)
	assert.InDelta(t, 0.7, got.CriteriaScores["accuracy"], 1e-9)
	assert.InDelta(t, 0.6, got.CriteriaScores["methodology"], 1e-9, "missing score contributes nothing")
	assert.NotContains(t, got.CriteriaScores, "completeness")
	assert.InDelta(t, 0.65, got.OverallScore, 1e-9)
	// variance of {0.7, 0.6} around 0.65 is 0.0025
	assert.InDelta(t, 0.9975, got.ConsensusLevel, 1e-9)
	assert.Equal(t, []string{"widen window", "add volume", "check outliers"}, got.Recommendations)
}

func TestAggregateReviews_NoReviews(t *testing.T) {
	got := AggregateReviews(nil, []string{"accuracy"})
	assert.Equal(t, 0, got.ReviewerCount)
	assert.Zero(t, got.OverallScore)
	assert.Zero(t, got.ConsensusLevel)
	assert.Empty(t, got.CriteriaScores)
	assert.NotNil(t, got.Recommendations)
	assert.Empty(t, got.Recommendations)
}

func TestAggregateReviews_ConsensusFlooredAtZero(t *testing.T) {
	reviews := []Review{{ReviewerID: "r1", Content: map[string]any{
		"scores": map[string]any{"a": 5.0, "b": -3.0},
	}}}
	got := AggregateReviews(reviews, []string{"a", "b"})
	assert.Zero(t, got.ConsensusLevel)
}

// ── Collaboration ─────────────────────────────────────────────────────────────

func TestCollaboration_RecordIsMonotonic(t *testing.T) {
	start := time.Now()
	c := New(KindConsensus, "trade", []string{"p1", "p2"}, start, time.Second)

	assert.True(t, c.Record("p1", vote("buy")))
	assert.False(t, c.Record("p1", vote("sell")), "first response wins")
	assert.False(t, c.Record("outsider", vote("buy")), "non-participants ignored")
	assert.False(t, c.Complete())
	assert.True(t, c.Record("p2", vote("hold")))
	assert.True(t, c.Complete())

	responses := c.Close()
	assert.Equal(t, "buy", responses["p1"]["decision"])
	assert.False(t, c.Record("p2", vote("x")), "closed collaborations reject responses")

	assert.False(t, c.Expired(start.Add(500*time.Millisecond)))
	assert.True(t, c.Expired(start.Add(time.Second)))
}
