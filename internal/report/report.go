// Package report renders a reconciliation session as an XLSX workbook for
// reviewers.
package report

import (
	"context"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/monitoring"
)

const (
	SheetSummary = "Summary"
	SheetMatches = "Matches"
	SheetResults = "Results"

	moneyFormat = "#,##0.00"
)

var matchHeader = []string{
	"Match ID", "Method", "Source", "Source Account", "Source Amount",
	"Target", "Target Account", "Target Amount", "Difference",
	"Confidence", "Tier", "Status", "Formula", "Review Notes",
}

var resultHeader = []string{
	"Rule ID", "Rule", "Version", "Formula", "Left", "Right",
	"Difference", "Difference %", "Status", "Message",
}

// Source is the read side of the store a report needs.
type Source interface {
	ListSessionMatches(ctx context.Context, sessionID string) ([]model.PersistedMatch, error)
	ListResults(ctx context.Context, propertyID, periodID int64) ([]model.RuleEvaluation, error)
}

// Session is everything a session report shows.
type Session struct {
	SessionID   string
	PropertyID  int64
	PeriodID    int64
	Matches     []model.PersistedMatch
	Results     []model.RuleEvaluation
	Summary     monitoring.SessionSummary
	GeneratedAt time.Time
}

// Load reads a session's matches and the property-period's rule results.
func Load(ctx context.Context, src Source, sessionID string, propertyID, periodID int64) (*Session, error) {
	matches, err := src.ListSessionMatches(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "report: list matches for session %s", sessionID)
	}
	results, err := src.ListResults(ctx, propertyID, periodID)
	if err != nil {
		return nil, eris.Wrapf(err, "report: list results for property %d period %d", propertyID, periodID)
	}
	return &Session{
		SessionID:   sessionID,
		PropertyID:  propertyID,
		PeriodID:    periodID,
		Matches:     matches,
		Results:     results,
		Summary:     monitoring.Summarize(sessionID, matches),
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// Workbook builds the report with one sheet each for the summary, the
// matches and the rule results.
func (s *Session) Workbook() (*xlsx.File, error) {
	f := xlsx.NewFile()

	summary, err := f.AddSheet(SheetSummary)
	if err != nil {
		return nil, eris.Wrap(err, "report: add summary sheet")
	}
	s.writeSummary(summary)

	matches, err := f.AddSheet(SheetMatches)
	if err != nil {
		return nil, eris.Wrap(err, "report: add matches sheet")
	}
	addHeader(matches, matchHeader)
	for _, m := range s.Matches {
		writeMatch(matches.AddRow(), m)
	}

	results, err := f.AddSheet(SheetResults)
	if err != nil {
		return nil, eris.Wrap(err, "report: add results sheet")
	}
	addHeader(results, resultHeader)
	for _, e := range s.Results {
		writeResult(results.AddRow(), e)
	}
	return f, nil
}

// Write renders the workbook to w.
func (s *Session) Write(w io.Writer) error {
	f, err := s.Workbook()
	if err != nil {
		return err
	}
	return eris.Wrap(f.Write(w), "report: write workbook")
}

// Save renders the workbook to path.
func (s *Session) Save(path string) error {
	f, err := s.Workbook()
	if err != nil {
		return err
	}
	return eris.Wrapf(f.Save(path), "report: save %s", path)
}

func (s *Session) writeSummary(sheet *xlsx.Sheet) {
	kv := func(k string, set func(*xlsx.Cell)) {
		row := sheet.AddRow()
		row.AddCell().SetString(k)
		set(row.AddCell())
	}
	str := func(v string) func(*xlsx.Cell) { return func(c *xlsx.Cell) { c.SetString(v) } }
	num := func(v int) func(*xlsx.Cell) { return func(c *xlsx.Cell) { c.SetInt(v) } }

	kv("Session", str(s.SessionID))
	kv("Property", func(c *xlsx.Cell) { c.SetInt64(s.PropertyID) })
	kv("Period", func(c *xlsx.Cell) { c.SetInt64(s.PeriodID) })
	kv("Generated", str(s.GeneratedAt.Format(time.RFC3339)))
	kv("Matches", num(s.Summary.Total))
	kv("Approved", num(s.Summary.Approved))
	kv("Escalated", num(s.Summary.Escalated))
	kv("Untiered", num(s.Summary.Untiered))
	kv("Escalation rate", func(c *xlsx.Cell) { c.SetFloatWithFormat(s.Summary.EscalationRate, "0.00%") })

	for _, t := range model.Tiers {
		kv(t.String(), num(s.Summary.ByTier[t.String()]))
	}
	for _, method := range sortedKeys(s.Summary.ByMethod) {
		kv("method "+method, num(s.Summary.ByMethod[method]))
	}

	var failed int
	for _, e := range s.Results {
		if e.Status != model.EvalPass {
			failed++
		}
	}
	kv("Rules evaluated", num(len(s.Results)))
	kv("Rules not passing", num(failed))
}

func writeMatch(row *xlsx.Row, m model.PersistedMatch) {
	row.AddCell().SetInt64(m.ID)
	row.AddCell().SetString(string(m.MatchType))
	row.AddCell().SetString(m.Source.Ref().String())
	row.AddCell().SetString(account(m.Source))
	setMoney(row.AddCell(), m.Source.Amount)
	row.AddCell().SetString(m.Target.Ref().String())
	row.AddCell().SetString(account(m.Target))
	setMoney(row.AddCell(), m.Target.Amount)
	setMoney(row.AddCell(), m.AmountDiff)
	row.AddCell().SetFloatWithFormat(m.Confidence, "0.00")
	if m.Tier != nil {
		row.AddCell().SetString(m.Tier.String())
	} else {
		row.AddCell().SetString("")
	}
	row.AddCell().SetString(string(m.Status))
	row.AddCell().SetString(m.Formula)
	row.AddCell().SetString(m.ReviewNotes)
}

func writeResult(row *xlsx.Row, e model.RuleEvaluation) {
	row.AddCell().SetString(e.RuleID)
	row.AddCell().SetString(e.RuleName)
	row.AddCell().SetInt(e.Version)
	row.AddCell().SetString(e.Formula)
	setNullMoney(row.AddCell(), e.LeftValue)
	setNullMoney(row.AddCell(), e.RightValue)
	setMoney(row.AddCell(), e.Difference)
	row.AddCell().SetFloatWithFormat(e.DiffPercent, "0.00")
	row.AddCell().SetString(string(e.Status))
	row.AddCell().SetString(e.Message)
}

func addHeader(sheet *xlsx.Sheet, cols []string) {
	style := xlsx.NewStyle()
	style.Font.Bold = true
	style.ApplyFont = true

	row := sheet.AddRow()
	for _, c := range cols {
		cell := row.AddCell()
		cell.SetString(c)
		cell.SetStyle(style)
	}
}

func account(s model.MatchSide) string {
	switch {
	case s.AccountName == "":
		return s.AccountCode
	case s.AccountCode == "":
		return s.AccountName
	default:
		return s.AccountCode + " " + s.AccountName
	}
}

// setMoney writes d as a number. Amounts are stored with two decimals, which
// a float64 carries exactly enough for display.
func setMoney(c *xlsx.Cell, d decimal.Decimal) {
	f, err := strconv.ParseFloat(d.StringFixed(2), 64)
	if err != nil {
		c.SetString(d.String())
		return
	}
	c.SetFloatWithFormat(f, moneyFormat)
}

func setNullMoney(c *xlsx.Cell, d *decimal.Decimal) {
	if d == nil {
		c.SetString("")
		return
	}
	setMoney(c, *d)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
