package collaboration

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindConsensus  Kind = "consensus"
	KindPeerReview Kind = "peer_review"
)

// Request payload types understood by participating agents.
const (
	RequestConsensus  = "consensus_request"
	RequestPeerReview = "peer_review_request"
)

const DefaultConsensusThreshold = 0.6

// Collaboration tracks one multi-party exchange. Responses only grow: the
// first response from each participant is kept and anything arriving after
// Close is ignored. Not safe for concurrent use; the orchestrator guards it.
type Collaboration struct {
	ID           string
	Kind         Kind
	Topic        string
	Participants []string
	StartedAt    time.Time
	Deadline     time.Time

	responses map[string]map[string]any
	closed    bool
}

func New(kind Kind, topic string, participants []string, startedAt time.Time, timeout time.Duration) *Collaboration {
	return &Collaboration{
		ID:           uuid.NewString(),
		Kind:         kind,
		Topic:        topic,
		Participants: slices.Clone(participants),
		StartedAt:    startedAt,
		Deadline:     startedAt.Add(timeout),
		responses:    make(map[string]map[string]any),
	}
}

// Record stores participant's response and reports whether it was accepted.
func (c *Collaboration) Record(participant string, content map[string]any) bool {
	if c.closed || !slices.Contains(c.Participants, participant) {
		return false
	}
	if _, dup := c.responses[participant]; dup {
		return false
	}
	c.responses[participant] = content
	return true
}

func (c *Collaboration) Complete() bool {
	return len(c.responses) >= len(c.Participants)
}

func (c *Collaboration) Expired(now time.Time) bool {
	return !now.Before(c.Deadline)
}

// Close freezes the response set and returns it.
func (c *Collaboration) Close() map[string]map[string]any {
	c.closed = true
	out := make(map[string]map[string]any, len(c.responses))
	for k, v := range c.responses {
		out[k] = v
	}
	return out
}

func (c *Collaboration) ResponseCount() int { return len(c.responses) }
