package orchestrator

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	domainagent "github.com/alanyang/agent-coordinator/internal/domain/agent"
	"github.com/alanyang/agent-coordinator/internal/domain/collaboration"
	"github.com/alanyang/agent-coordinator/internal/domain/message"
	"github.com/alanyang/agent-coordinator/internal/service/router"
	"github.com/alanyang/agent-coordinator/internal/tracing"
)

const (
	DefaultSenderID         = "orchestrator"
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultReviewTimeout    = 120 * time.Second
	DefaultReviewers        = 3
	DefaultConsensusTimeout = 60 * time.Second
)

type Config struct {
	SenderID           string        `mapstructure:"sender_id"`
	ConsensusThreshold float64       `mapstructure:"consensus_threshold"`
	ConsensusTimeout   time.Duration `mapstructure:"consensus_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	ReviewTimeout      time.Duration `mapstructure:"review_timeout"`
	DefaultReviewers   int           `mapstructure:"default_reviewers"`
}

func DefaultConfig() Config {
	return Config{
		SenderID:           DefaultSenderID,
		ConsensusThreshold: collaboration.DefaultConsensusThreshold,
		ConsensusTimeout:   DefaultConsensusTimeout,
		PollInterval:       DefaultPollInterval,
		ReviewTimeout:      DefaultReviewTimeout,
		DefaultReviewers:   DefaultReviewers,
	}
}

// withDefaults fills zero fields so a partially populated Config is usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SenderID == "" {
		c.SenderID = d.SenderID
	}
	if c.ConsensusThreshold <= 0 {
		c.ConsensusThreshold = d.ConsensusThreshold
	}
	if c.ConsensusTimeout <= 0 {
		c.ConsensusTimeout = d.ConsensusTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReviewTimeout <= 0 {
		c.ReviewTimeout = d.ReviewTimeout
	}
	if c.DefaultReviewers <= 0 {
		c.DefaultReviewers = d.DefaultReviewers
	}
	return c
}

// Router sends requests that require a response.
// [ISP] Implemented by *router.Service.
type Router interface {
	Route(ctx context.Context, msg message.RoutedMessage, target router.Target) (router.Receipt, error)
}

// Directory lists reviewer candidates.
type Directory interface {
	List(filters domainagent.ListFilters) []domainagent.Profile
}

type Service struct {
	router Router
	dir    Directory
	cfg    Config

	mu     sync.Mutex
	active map[string]*collaboration.Collaboration

	now func() time.Time
}

func NewService(r Router, dir Directory, cfg Config) *Service {
	return &Service{
		router: r,
		dir:    dir,
		cfg:    cfg.withDefaults(),
		active: make(map[string]*collaboration.Collaboration),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// BuildConsensus asks every participant for a decision on topic and tallies
// what arrives before timeout. It always returns a result; routing failures
// and silent participants simply leave their vote out.
func (s *Service) BuildConsensus(ctx context.Context, topic string, participants []string, decisionData map[string]any, timeout time.Duration) collaboration.ConsensusResult {
	if timeout <= 0 {
		timeout = s.cfg.ConsensusTimeout
	}
	ctx, span := tracing.StartSpan(ctx, "orchestrator.BuildConsensus",
		attribute.String("topic", topic),
		attribute.Int("participants", len(participants)),
	)
	defer span.End()

	collab := collaboration.New(collaboration.KindConsensus, topic, participants, s.now(), timeout)
	s.track(collab)
	defer s.untrack(collab.ID)

	// Waiters stop when the collection phase ends, whatever its cause.
	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()

	for _, participant := range collab.Participants {
		msg := message.New(s.cfg.SenderID, participant, message.TypeRequest, map[string]any{
			"collaboration_id": collab.ID,
			"type":             collaboration.RequestConsensus,
			"topic":            topic,
			"data":             decisionData,
			"participants":     collab.Participants,
		}).WithTimeout(timeout, s.now())
		msg.Priority = message.PriorityHigh
		msg.RequiresResponse = true

		receipt, err := s.router.Route(ctx, msg, router.Target{DestinationID: participant})
		if err != nil {
			slog.WarnContext(ctx, "consensus request not delivered",
				"collaboration_id", collab.ID, "agent_id", participant, "error", err)
			continue
		}
		go s.collect(waitCtx, collab, participant, receipt.Pending)
	}

	s.poll(ctx, collab)

	s.mu.Lock()
	responses := collab.Close()
	s.mu.Unlock()

	res := collaboration.AnalyzeConsensus(collab.Participants, responses, s.cfg.ConsensusThreshold)
	res.CollaborationID = collab.ID
	res.Topic = topic

	span.SetAttributes(
		attribute.Bool("consensus_achieved", res.ConsensusAchieved),
		attribute.Float64("agreement_score", res.AgreementScore),
	)
	slog.InfoContext(ctx, "consensus finished",
		"collaboration_id", collab.ID, "topic", topic,
		"responses", len(responses), "achieved", res.ConsensusAchieved, "agreement_score", res.AgreementScore)
	return res
}

// PeerReview sends analysis to the best-reputed agents other than subject
// and aggregates their scores against criteria.
func (s *Service) PeerReview(ctx context.Context, subject string, analysis map[string]any, criteria []string, numReviewers int) collaboration.ReviewResult {
	if numReviewers <= 0 {
		numReviewers = s.cfg.DefaultReviewers
	}
	ctx, span := tracing.StartSpan(ctx, "orchestrator.PeerReview",
		attribute.String("subject_agent", subject),
		attribute.Int("requested_reviewers", numReviewers),
	)
	defer span.End()

	reviewers := s.selectReviewers(subject, numReviewers)
	collab := collaboration.New(collaboration.KindPeerReview, subject, reviewers, s.now(), s.cfg.ReviewTimeout)
	s.track(collab)
	defer s.untrack(collab.ID)

	collected := make([]*collaboration.Review, len(reviewers))
	g, gctx := errgroup.WithContext(ctx)
	for i, reviewer := range reviewers {
		msg := message.New(s.cfg.SenderID, reviewer, message.TypeRequest, map[string]any{
			"review_id":       collab.ID,
			"type":            collaboration.RequestPeerReview,
			"subject_agent":   subject,
			"analysis_data":   analysis,
			"review_criteria": criteria,
		})
		msg.Priority = message.PriorityNormal
		msg.RequiresResponse = true
		msg.ResponseTimeoutSec = s.cfg.ReviewTimeout.Seconds()

		receipt, err := s.router.Route(ctx, msg, router.Target{DestinationID: reviewer})
		if err != nil {
			slog.WarnContext(ctx, "peer review request not delivered",
				"review_id", collab.ID, "agent_id", reviewer, "error", err)
			continue
		}
		g.Go(func() error {
			resp, err := receipt.Pending.Wait(gctx)
			if err != nil {
				slog.WarnContext(gctx, "peer review not received", "review_id", collab.ID, "agent_id", reviewer, "error", err)
				return nil
			}
			s.mu.Lock()
			if collab.Record(reviewer, resp.Payload) {
				collected[i] = &collaboration.Review{ReviewerID: reviewer, Content: resp.Payload}
			}
			s.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	collab.Close()
	reviews := make([]collaboration.Review, 0, len(collected))
	for _, r := range collected {
		if r != nil {
			reviews = append(reviews, *r)
		}
	}
	s.mu.Unlock()

	res := collaboration.AggregateReviews(reviews, criteria)
	res.ReviewID = collab.ID
	res.SubjectAgent = subject

	span.SetAttributes(attribute.Int("reviewer_count", res.ReviewerCount), attribute.Float64("overall_score", res.OverallScore))
	slog.InfoContext(ctx, "peer review finished",
		"review_id", collab.ID, "subject_agent", subject, "reviewers", res.ReviewerCount, "overall_score", res.OverallScore)
	return res
}

// Active is the number of collaborations still collecting responses.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// ── internals ─────────────────────────────────────────────────────────────────

func (s *Service) track(c *collaboration.Collaboration) {
	s.mu.Lock()
	s.active[c.ID] = c
	s.mu.Unlock()
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *Service) collect(ctx context.Context, c *collaboration.Collaboration, participant string, p *router.Pending) {
	resp, err := p.Wait(ctx)
	if err != nil {
		slog.DebugContext(ctx, "consensus response not received", "collaboration_id", c.ID, "agent_id", participant, "error", err)
		return
	}
	s.mu.Lock()
	c.Record(participant, resp.Payload)
	s.mu.Unlock()
}

// poll returns once every participant answered, the deadline passed or ctx
// ended.
func (s *Service) poll(ctx context.Context, c *collaboration.Collaboration) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(time.Until(c.Deadline))
	defer deadline.Stop()

	for {
		s.mu.Lock()
		done := c.Complete()
		s.mu.Unlock()
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) selectReviewers(subject string, n int) []string {
	candidates := slices.DeleteFunc(s.dir.List(domainagent.ListFilters{}), func(p domainagent.Profile) bool {
		return p.ID == subject
	})
	slices.SortStableFunc(candidates, func(a, b domainagent.Profile) int {
		if c := cmp.Compare(b.ReputationScore, a.ReputationScore); c != 0 {
			return c
		}
		return cmp.Compare(a.LoadFactor, b.LoadFactor)
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	return ids
}
