package collaboration

import "fmt"

type ConsensusResult struct {
	CollaborationID   string                    `json:"collaboration_id"`
	Topic             string                    `json:"topic"`
	ConsensusAchieved bool                      `json:"consensus_achieved"`
	AgreementScore    float64                   `json:"agreement_score"`
	FinalDecision     *string                   `json:"final_decision"`
	Votes             map[string]int            `json:"votes"`
	Responses         map[string]map[string]any `json:"responses"`
	DissentingAgents  []string                  `json:"dissenting_agents"`
	Participants      []string                  `json:"participants"`
}

// AnalyzeConsensus tallies the "decision" field of each response. The
// agreement score is the majority share of votes cast, not of participants,
// so silent participants do not dilute it. Ties go to the decision seen
// first in participant order.
func AnalyzeConsensus(participants []string, responses map[string]map[string]any, threshold float64) ConsensusResult {
	res := ConsensusResult{
		Votes:            map[string]int{},
		Responses:        responses,
		DissentingAgents: []string{},
		Participants:     participants,
	}
	if res.Responses == nil {
		res.Responses = map[string]map[string]any{}
	}
	if len(responses) == 0 {
		res.DissentingAgents = append(res.DissentingAgents, participants...)
		return res
	}

	decisions := make(map[string]string, len(responses))
	var order []string
	for _, p := range participants {
		content, ok := responses[p]
		if !ok {
			continue
		}
		raw, ok := content["decision"]
		if !ok || raw == nil {
			continue
		}
		d := decisionKey(raw)
		decisions[p] = d
		if res.Votes[d] == 0 {
			order = append(order, d)
		}
		res.Votes[d]++
	}

	if len(decisions) == 0 {
		for _, p := range participants {
			if _, ok := responses[p]; ok {
				res.DissentingAgents = append(res.DissentingAgents, p)
			}
		}
		return res
	}

	var majority string
	best := 0
	for _, d := range order {
		if res.Votes[d] > best {
			majority, best = d, res.Votes[d]
		}
	}

	res.AgreementScore = float64(best) / float64(len(decisions))
	res.ConsensusAchieved = res.AgreementScore >= threshold
	res.FinalDecision = &majority
	for _, p := range participants {
		if _, responded := responses[p]; !responded {
			continue
		}
		if d, voted := decisions[p]; !voted || d != majority {
			res.DissentingAgents = append(res.DissentingAgents, p)
		}
	}
	return res
}

func decisionKey(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
