package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-engine/internal/model"
)

// SessionSummary is a point-in-time view of one session's persisted matches.
type SessionSummary struct {
	SessionID string `json:"session_id"`

	Total     int            `json:"total"`
	ByTier    map[string]int `json:"by_tier"`
	ByStatus  map[string]int `json:"by_status"`
	ByMethod  map[string]int `json:"by_method"`
	Untiered  int            `json:"untiered"`
	Escalated int            `json:"escalated"`
	Approved  int            `json:"approved"`

	// EscalationRate is Escalated / Total, zero for an empty session.
	EscalationRate float64 `json:"escalation_rate"`

	// Failures is filled in by the caller from the processing result; the
	// match table does not record skipped candidates.
	Failures int `json:"failures"`

	CollectedAt time.Time `json:"collected_at"`
}

// MatchLister is the read side of the match store the collector needs.
type MatchLister interface {
	ListSessionMatches(ctx context.Context, sessionID string) ([]model.PersistedMatch, error)
}

// Collector summarizes sessions from the match store.
type Collector struct {
	matches MatchLister
}

// NewCollector creates a session collector.
func NewCollector(matches MatchLister) *Collector {
	return &Collector{matches: matches}
}

// Collect summarizes the persisted matches of sessionID.
func (c *Collector) Collect(ctx context.Context, sessionID string) (*SessionSummary, error) {
	ms, err := c.matches.ListSessionMatches(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: list matches for session %s", sessionID)
	}
	s := Summarize(sessionID, ms)
	return &s, nil
}

// Summarize counts matches by tier, status and method.
func Summarize(sessionID string, matches []model.PersistedMatch) SessionSummary {
	s := SessionSummary{
		SessionID:   sessionID,
		Total:       len(matches),
		ByTier:      make(map[string]int),
		ByStatus:    make(map[string]int),
		ByMethod:    make(map[string]int),
		CollectedAt: time.Now().UTC(),
	}
	for _, m := range matches {
		s.ByStatus[string(m.Status)]++
		s.ByMethod[string(m.MatchType)]++
		if m.Status == model.StatusApproved {
			s.Approved++
		}
		if m.Tier == nil {
			s.Untiered++
			continue
		}
		s.ByTier[m.Tier.String()]++
		if *m.Tier == model.TierEscalate {
			s.Escalated++
		}
	}
	if s.Total > 0 {
		s.EscalationRate = float64(s.Escalated) / float64(s.Total)
	}
	return s
}
