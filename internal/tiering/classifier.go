package tiering

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/materiality"
	"github.com/sells-group/recon-engine/internal/model"
)

// MatchUpdater writes review results back to a persisted match.
type MatchUpdater interface {
	UpdateMatchReview(ctx context.Context, matchID int64, tier model.Tier, status model.MatchStatus, notes string) error
}

// DiscrepancyStore reads and syncs discrepancies linked to matches.
type DiscrepancyStore interface {
	FindDiscrepancy(ctx context.Context, sessionID string, pair model.MatchPair) (*model.Discrepancy, error)
	UpdateDiscrepancyTier(ctx context.Context, discrepancyID int64, tier model.Tier) error
}

// Action names reported in ActionResult.
const (
	ActionAutoResolve = "auto_resolve_tier_0"
	ActionSuggest     = "suggest_tier_1_fix"
	ActionRoute       = "route_tier_2"
	ActionEscalate    = "escalate_tier_3"
)

// ActionResult describes what a tier action did.
type ActionResult struct {
	Action      string       `json:"action"`
	OK          bool         `json:"ok"`
	Reason      string       `json:"reason,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// Outcome is the full result of ClassifyAndApply.
type Outcome struct {
	MatchID       int64               `json:"match_id"`
	Tier          model.Tier          `json:"tier"`
	Input         Input               `json:"input"`
	Materiality   materiality.Details `json:"materiality"`
	Action        ActionResult        `json:"action"`
	DiscrepancyID *int64              `json:"discrepancy_id,omitempty"`
}

// Options configures a Classifier.
type Options struct {
	// Committee is the review committee referenced in tier 2 notes.
	Committee string
}

// Classifier classifies persisted matches and applies tier actions.
type Classifier struct {
	matches       MatchUpdater
	discrepancies DiscrepancyStore
	resolver      *materiality.Resolver
	opts          Options
}

// NewClassifier creates a Classifier.
func NewClassifier(matches MatchUpdater, discrepancies DiscrepancyStore, resolver *materiality.Resolver, opts Options) *Classifier {
	return &Classifier{matches: matches, discrepancies: discrepancies, resolver: resolver, opts: opts}
}

// Evaluate computes the classification inputs of m from current
// configuration and the linked discrepancy (which may be nil).
func (c *Classifier) Evaluate(m *model.PersistedMatch, disc *model.Discrepancy) (Input, materiality.Details) {
	material, details := c.resolver.IsMaterial(m.AmountDiff, m.Source.AccountCode, m.Source.DocType)
	in := Input{
		Confidence: m.Confidence,
		Material:   material,
		RiskClass:  details.RiskClass,
	}
	if disc != nil {
		in.DiscrepancySeverity = disc.Severity
	}
	return in, details
}

// ClassifyAndApply looks up the linked discrepancy, classifies m, runs the
// tier's action and syncs the discrepancy's tier. Calling it repeatedly is
// safe; the outcome only changes when inputs or configuration change.
func (c *Classifier) ClassifyAndApply(ctx context.Context, m *model.PersistedMatch) (*Outcome, error) {
	disc, err := c.discrepancies.FindDiscrepancy(ctx, m.SessionID, m.Pair())
	if err != nil {
		return nil, eris.Wrapf(err, "tiering: find discrepancy for match %d", m.ID)
	}

	in, details := c.Evaluate(m, disc)
	tier := Classify(in)
	out := &Outcome{MatchID: m.ID, Tier: tier, Input: in, Materiality: details}

	switch tier {
	case model.TierAutoClose:
		out.Action, err = c.AutoResolve(ctx, m)
	case model.TierAutoSuggest:
		out.Action, err = c.Suggest(ctx, m)
	case model.TierRoute:
		out.Action, err = c.Route(ctx, m)
	case model.TierEscalate:
		out.Action, err = c.Escalate(ctx, m, EscalationReason(in))
	default:
		return nil, eris.Errorf("tiering: unhandled tier %s", tier)
	}
	if err != nil {
		return nil, err
	}

	if disc != nil {
		if err := c.discrepancies.UpdateDiscrepancyTier(ctx, disc.ID, tier); err != nil {
			return nil, eris.Wrapf(err, "tiering: sync discrepancy %d", disc.ID)
		}
		id := disc.ID
		out.DiscrepancyID = &id
	}
	return out, nil
}

// AutoResolve approves a tier 0 match. The tier is re-validated against
// current inputs first; if it no longer holds the match is left untouched
// and the result reports why.
func (c *Classifier) AutoResolve(ctx context.Context, m *model.PersistedMatch) (ActionResult, error) {
	res := ActionResult{Action: ActionAutoResolve}

	disc, err := c.discrepancies.FindDiscrepancy(ctx, m.SessionID, m.Pair())
	if err != nil {
		return res, eris.Wrapf(err, "tiering: revalidate match %d", m.ID)
	}
	in, _ := c.Evaluate(m, disc)
	if tier := Classify(in); tier != model.TierAutoClose {
		res.Reason = fmt.Sprintf("re-validation classified match as %s", tier)
		zap.L().Info("tier 0 re-validation disagreed",
			zap.Int64("match_id", m.ID),
			zap.String("tier", tier.String()),
		)
		return res, nil
	}

	note := fmt.Sprintf("Auto-approved: tier 0 (confidence %.2f%%, immaterial, risk %s)", in.Confidence, in.RiskClass)
	notes := appendNote(m.ReviewNotes, note)
	if err := c.matches.UpdateMatchReview(ctx, m.ID, model.TierAutoClose, model.StatusApproved, notes); err != nil {
		return res, eris.Wrapf(err, "tiering: approve match %d", m.ID)
	}
	m.Tier = model.TierAutoClose.Ptr()
	m.Status = model.StatusApproved
	m.ReviewNotes = notes
	res.OK = true
	return res, nil
}

// Suggest records tier 1 on a match and attaches the candidate fixes. The
// match stays pending with its notes unchanged; applying a fix is left to a
// reviewer.
func (c *Classifier) Suggest(ctx context.Context, m *model.PersistedMatch) (ActionResult, error) {
	res := ActionResult{Action: ActionSuggest, Suggestions: c.SuggestFixes(m)}
	if err := c.matches.UpdateMatchReview(ctx, m.ID, model.TierAutoSuggest, model.StatusPending, m.ReviewNotes); err != nil {
		return res, eris.Wrapf(err, "tiering: record tier 1 for match %d", m.ID)
	}
	m.Tier = model.TierAutoSuggest.Ptr()
	m.Status = model.StatusPending
	res.OK = true
	return res, nil
}

// Route sends a match to manual review.
func (c *Classifier) Route(ctx context.Context, m *model.PersistedMatch) (ActionResult, error) {
	res := ActionResult{Action: ActionRoute}
	note := "Routed for manual review"
	if c.opts.Committee != "" {
		note = "Routed to review committee: " + c.opts.Committee
	}
	notes := appendNote(m.ReviewNotes, note)
	if err := c.matches.UpdateMatchReview(ctx, m.ID, model.TierRoute, model.StatusPending, notes); err != nil {
		return res, eris.Wrapf(err, "tiering: route match %d", m.ID)
	}
	m.Tier = model.TierRoute.Ptr()
	m.Status = model.StatusPending
	m.ReviewNotes = notes
	res.OK = true
	return res, nil
}

// Escalate marks a match for mandatory human review. Alert delivery is
// left to whatever consumes the escalation log event.
func (c *Classifier) Escalate(ctx context.Context, m *model.PersistedMatch, reason string) (ActionResult, error) {
	res := ActionResult{Action: ActionEscalate, Reason: reason}
	notes := appendNote(m.ReviewNotes, "ESCALATED: "+reason)
	if err := c.matches.UpdateMatchReview(ctx, m.ID, model.TierEscalate, model.StatusPending, notes); err != nil {
		return res, eris.Wrapf(err, "tiering: escalate match %d", m.ID)
	}
	m.Tier = model.TierEscalate.Ptr()
	m.Status = model.StatusPending
	m.ReviewNotes = notes

	zap.L().Warn("match escalated",
		zap.String("event", "escalation"),
		zap.String("session_id", m.SessionID),
		zap.Int64("match_id", m.ID),
		zap.String("pair", m.Pair().String()),
		zap.String("reason", reason),
	)
	res.OK = true
	return res, nil
}

// appendNote adds note as a new line unless existing already carries it.
func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	if slices.Contains(strings.Split(existing, "\n"), note) {
		return existing
	}
	return existing + "\n" + note
}
