package collaboration

import "slices"

// Review is one reviewer's answer to a peer_review_request. Content carries
// "scores" (criterion → number) and optionally "recommendations" (strings).
type Review struct {
	ReviewerID string
	Content    map[string]any
}

type ReviewResult struct {
	ReviewID        string             `json:"review_id"`
	SubjectAgent    string             `json:"subject_agent"`
	OverallScore    float64            `json:"overall_score"`
	CriteriaScores  map[string]float64 `json:"criteria_scores"`
	Recommendations []string           `json:"recommendations"`
	ConsensusLevel  float64            `json:"consensus_level"`
	ReviewerCount   int                `json:"reviewer_count"`
	Reviewers       []string           `json:"reviewers"`
}

// AggregateReviews averages each criterion over the reviewers that scored
// it. The overall score is the mean of those averages and the consensus
// level is one minus their population variance, floored at zero. Criteria
// nobody scored are left out. Recommendations keep first-seen order.
func AggregateReviews(reviews []Review, criteria []string) ReviewResult {
	res := ReviewResult{
		CriteriaScores:  map[string]float64{},
		Recommendations: []string{},
		Reviewers:       []string{},
		ReviewerCount:   len(reviews),
	}
	for _, r := range reviews {
		res.Reviewers = append(res.Reviewers, r.ReviewerID)
	}
	if len(reviews) == 0 {
		return res
	}

	var averages []float64
	for _, c := range criteria {
		var sum float64
		var n int
		for _, r := range reviews {
			if v, ok := criterionScore(r.Content, c); ok {
				sum += v
				n++
			}
		}
		if n == 0 {
			continue
		}
		avg := sum / float64(n)
		res.CriteriaScores[c] = avg
		averages = append(averages, avg)
	}

	if len(averages) > 0 {
		var sum float64
		for _, a := range averages {
			sum += a
		}
		res.OverallScore = sum / float64(len(averages))

		var variance float64
		for _, a := range averages {
			d := a - res.OverallScore
			variance += d * d
		}
		variance /= float64(len(averages))
		res.ConsensusLevel = max(0, 1-variance)
	}

	for _, r := range reviews {
		for _, rec := range recommendations(r.Content) {
			if !slices.Contains(res.Recommendations, rec) {
				res.Recommendations = append(res.Recommendations, rec)
			}
		}
	}
	return res
}

func criterionScore(content map[string]any, criterion string) (float64, bool) {
	scores, ok := content["scores"].(map[string]any)
	if !ok {
		return 0, false
	}
	return toFloat(scores[criterion])
}

func recommendations(content map[string]any) []string {
	switch recs := content["recommendations"].(type) {
	case []string:
		return recs
	case []any:
		out := make([]string, 0, len(recs))
		for _, r := range recs {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
