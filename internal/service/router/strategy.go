package router

import (
	"slices"
	"strings"

	domainagent "github.com/alanyang/agent-coordinator/internal/domain/agent"
	"github.com/alanyang/agent-coordinator/internal/domain/message"
)

// pick selects one candidate. candidates is never empty and is in
// registration order, which is what least_loaded ties fall back to.
func (s *Service) pick(candidates []domainagent.Profile, strategy message.Strategy) domainagent.Profile {
	switch strategy {
	case message.StrategyLeastLoaded:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.LoadFactor < best.LoadFactor {
				best = c
			}
		}
		return best
	case message.StrategyRandom:
		return candidates[s.randN(len(candidates))]
	default:
		return s.roundRobin(candidates)
	}
}

// roundRobin keeps one cursor per candidate membership, so a set that
// shrinks or grows starts its own rotation instead of skipping agents.
func (s *Service) roundRobin(candidates []domainagent.Profile) domainagent.Profile {
	key := membershipKey(candidates)

	s.cursorMu.Lock()
	idx := s.cursors[key] % len(candidates)
	s.cursors[key] = idx + 1
	s.cursorMu.Unlock()

	return candidates[idx]
}

// Forget drops every rotation cursor whose membership includes agentID.
// Those sets can no longer occur once the agent has left the registry.
func (s *Service) Forget(agentID string) {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	for key := range s.cursors {
		if slices.Contains(strings.Split(key, keySep), agentID) {
			delete(s.cursors, key)
		}
	}
}

const keySep = "\x1f"

func membershipKey(candidates []domainagent.Profile) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	slices.Sort(ids)
	return strings.Join(ids, keySep)
}

func without(candidates []domainagent.Profile, id string) []domainagent.Profile {
	out := make([]domainagent.Profile, 0, len(candidates))
	for _, c := range candidates {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}
