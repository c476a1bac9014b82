package agent

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusOffline   Status = "offline"
)

// severity orders statuses from best to worst so aging can only downgrade.
var severity = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
	StatusOffline:   3,
}

func (s Status) Valid() bool {
	_, ok := severity[s]
	return ok
}

var ErrInvalidProfile = errors.New("invalid agent profile")

// Profile is the registry's view of one agent. Copies handed out by the
// registry never alias its internal state.
type Profile struct {
	ID                    string         `json:"agent_id"`
	Type                  string         `json:"agent_type"`
	Capabilities          []string       `json:"capabilities"`
	ReputationScore       float64        `json:"reputation_score"`
	ServiceLevel          float64        `json:"service_level"`
	LoadFactor            float64        `json:"load_factor"`
	MaxConcurrentRequests int            `json:"max_concurrent_requests"`
	Status                Status         `json:"status"`
	Endpoint              string         `json:"endpoint,omitempty"`
	Version               string         `json:"version,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	MessageCount          int64          `json:"message_count"`
	ErrorCount            int64          `json:"error_count"`
	LastHeartbeat         *time.Time     `json:"last_heartbeat,omitempty"`
	OfflineSince          *time.Time     `json:"offline_since,omitempty"`
	RegisteredAt          time.Time      `json:"registered_at"`
}

// New returns a healthy profile with the defaults agents get when they
// register without declaring scores.
func New(id, agentType string, capabilities []string) Profile {
	return Profile{
		ID:                    id,
		Type:                  agentType,
		Capabilities:          capabilities,
		ReputationScore:       1.0,
		ServiceLevel:          1.0,
		MaxConcurrentRequests: 10,
		Status:                StatusHealthy,
		Metadata:              map[string]any{},
	}
}

func (p Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidProfile)
	}
	if p.Type == "" {
		return fmt.Errorf("%w: agent_type is required", ErrInvalidProfile)
	}
	for name, v := range map[string]float64{
		"reputation_score": p.ReputationScore,
		"service_level":    p.ServiceLevel,
		"load_factor":      p.LoadFactor,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s %.3f outside [0,1]", ErrInvalidProfile, name, v)
		}
	}
	return nil
}

// Score ranks candidates for a capability: reputation dominates, then
// service level and spare capacity.
func (p Profile) Score() float64 {
	return 0.4*p.ReputationScore + 0.3*p.ServiceLevel + 0.3*(1-p.LoadFactor)
}

func (p Profile) HasCapability(capability string) bool {
	return slices.Contains(p.Capabilities, capability)
}

func (p Profile) IsHealthy() bool { return p.Status == StatusHealthy }

// Clone deep-copies the slices, maps and timestamps.
func (p Profile) Clone() Profile {
	out := p
	out.Capabilities = slices.Clone(p.Capabilities)
	if p.Metadata != nil {
		out.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	if p.LastHeartbeat != nil {
		t := *p.LastHeartbeat
		out.LastHeartbeat = &t
	}
	if p.OfflineSince != nil {
		t := *p.OfflineSince
		out.OfflineSince = &t
	}
	return out
}

func (p *Profile) RecordHeartbeat(now time.Time, load float64) {
	p.LastHeartbeat = &now
	p.LoadFactor = clamp(load)
	p.Status = StatusHealthy
	p.OfflineSince = nil
}

// RecordDelivery counts one accepted message and derives load from it.
func (p *Profile) RecordDelivery() {
	p.MessageCount++
	p.LoadFactor = clamp(float64(p.MessageCount) / 100)
}

func (p *Profile) RecordError() {
	p.ErrorCount++
}

// HealthThresholds are the heartbeat silences after which an agent is
// considered degraded and then offline.
type HealthThresholds struct {
	Degraded time.Duration
	Offline  time.Duration
}

var DefaultHealthThresholds = HealthThresholds{
	Degraded: 30 * time.Second,
	Offline:  60 * time.Second,
}

// DeriveStatus applies heartbeat aging to current. It never upgrades: only a
// heartbeat restores health.
func DeriveStatus(current Status, silence time.Duration, th HealthThresholds) Status {
	var aged Status
	switch {
	case silence > th.Offline:
		aged = StatusOffline
	case silence > th.Degraded:
		aged = StatusDegraded
	default:
		return current
	}
	if severity[aged] > severity[current] {
		return aged
	}
	return current
}

// Age applies DeriveStatus to p as of now and reports whether the status
// changed. An offline profile without an OfflineSince stamp gets one, so an
// agent registered offline still becomes evictable.
func (p *Profile) Age(now time.Time, th HealthThresholds) bool {
	changed := false
	if p.LastHeartbeat != nil {
		if next := DeriveStatus(p.Status, now.Sub(*p.LastHeartbeat), th); next != p.Status {
			p.Status = next
			changed = true
		}
	}
	if p.Status == StatusOffline && p.OfflineSince == nil {
		p.OfflineSince = &now
	}
	return changed
}

// EvictableAt reports whether p has been offline for longer than grace.
func (p Profile) EvictableAt(now time.Time, grace time.Duration) bool {
	return p.Status == StatusOffline && p.OfflineSince != nil && now.Sub(*p.OfflineSince) > grace
}

func clamp(v float64) float64 {
	return min(max(v, 0), 1)
}

type ListFilters struct {
	Type       *string
	Capability *string
	Status     *Status
}
