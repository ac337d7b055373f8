// Package reconcile proves the local general ledger against the external
// system's trial balance and raises a blocking escalation when they disagree.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ledgerbridge/ledgerbridge/internal/mirror"
	"github.com/ledgerbridge/ledgerbridge/internal/qbo"
)

// Tolerance is the absolute difference below which totals are considered
// equal. Amounts are decimals end to end, so this is exact.
var Tolerance = decimal.RequireFromString("0.01")

// RepositoryPort defines the persistence the engine reads and writes.
type RepositoryPort interface {
	GLTotals(ctx context.Context, tenantID int64) (debit, credit decimal.Decimal, err error)
	GLAccountBalances(ctx context.Context, tenantID int64) (map[string]decimal.Decimal, error)
	OpenSubledgerTotal(ctx context.Context, tenantID int64, txnTypes []string) (decimal.Decimal, error)
	UnresolvedGLLineCount(ctx context.Context, tenantID int64) (int, error)
	InsertTrialBalanceCheck(ctx context.Context, check *mirror.TrialBalanceCheck) error
	InsertEscalation(ctx context.Context, esc *mirror.Escalation) error
}

// APIPort fetches report-style bulk queries from the external system.
type APIPort interface {
	FetchReport(ctx context.Context, conn *mirror.Connection, name string, params url.Values) (*qbo.Report, error)
}

// FlagStore publishes the hard-stop verdict for collaborators.
type FlagStore interface {
	SetHardStop(ctx context.Context, tenantID int64, blocked bool) error
}

// AccountDiff is one per-account mismatch in the breakdown.
type AccountDiff struct {
	AccountExternalID string
	AccountName       string
	External          decimal.Decimal
	Internal          decimal.Decimal
	Diff              decimal.Decimal
}

// Outcome is the reconciliation verdict returned to the orchestrator.
// An imbalance is a normal, persisted outcome, not an error.
type Outcome struct {
	Balanced          bool
	ExternalTotal     decimal.Decimal
	InternalTotal     decimal.Decimal
	TotalDiff         decimal.Decimal
	ARDiff            decimal.Decimal
	APDiff            decimal.Decimal
	AccountDiffs      []AccountDiff
	UnresolvedGLLines int
	EscalationID      int64
	CheckID           int64
}

// Service computes and persists trial-balance checks.
type Service struct {
	repo   RepositoryPort
	api    APIPort
	flags  FlagStore
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the reconciliation engine.
func NewService(repo RepositoryPort, api APIPort, flags FlagStore, logger *slog.Logger) *Service {
	return &Service{repo: repo, api: api, flags: flags, logger: logger, now: time.Now}
}

// Run fetches the external trial balance and AR/AP reports, computes the same
// totals from local data, persists an immutable check, and on imbalance
// creates exactly one blocking escalation and raises the hard-stop flag.
func (s *Service) Run(ctx context.Context, tenantID int64, conn *mirror.Connection) (*Outcome, error) {
	external, externalByAccount, err := s.fetchExternalTrialBalance(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("reconcile: trial balance report: %w", err)
	}
	externalAR, err := s.fetchAgingTotal(ctx, conn, "AgedReceivables")
	if err != nil {
		return nil, fmt.Errorf("reconcile: ar report: %w", err)
	}
	externalAP, err := s.fetchAgingTotal(ctx, conn, "AgedPayables")
	if err != nil {
		return nil, fmt.Errorf("reconcile: ap report: %w", err)
	}

	internalDebit, _, err := s.repo.GLTotals(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	internalAR, err := s.repo.OpenSubledgerTotal(ctx, tenantID, []string{"Invoice"})
	if err != nil {
		return nil, err
	}
	internalAP, err := s.repo.OpenSubledgerTotal(ctx, tenantID, []string{"Bill"})
	if err != nil {
		return nil, err
	}
	unresolved, err := s.repo.UnresolvedGLLineCount(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	totalDiff := external.Sub(internalDebit).Abs()
	arDiff := externalAR.Sub(internalAR).Abs()
	apDiff := externalAP.Sub(internalAP).Abs()
	balanced := totalDiff.LessThanOrEqual(Tolerance) &&
		arDiff.LessThanOrEqual(Tolerance) &&
		apDiff.LessThanOrEqual(Tolerance)

	check := &mirror.TrialBalanceCheck{
		TenantID:      tenantID,
		ExternalTotal: external,
		InternalTotal: internalDebit,
		TotalDiff:     totalDiff,
		ARDiff:        arDiff,
		APDiff:        apDiff,
		Balanced:      balanced,
		CheckedAt:     s.now(),
	}
	if err := s.repo.InsertTrialBalanceCheck(ctx, check); err != nil {
		return nil, fmt.Errorf("reconcile: persist check: %w", err)
	}

	outcome := &Outcome{
		Balanced:          balanced,
		ExternalTotal:     external,
		InternalTotal:     internalDebit,
		TotalDiff:         totalDiff,
		ARDiff:            arDiff,
		APDiff:            apDiff,
		UnresolvedGLLines: unresolved,
		CheckID:           check.ID,
	}

	if balanced {
		if err := s.flags.SetHardStop(ctx, tenantID, false); err != nil {
			s.logger.Warn("clear hard stop flag", slog.Any("error", err))
		}
		return outcome, nil
	}

	internalByAccount, err := s.repo.GLAccountBalances(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	outcome.AccountDiffs = accountDiffs(externalByAccount, internalByAccount)

	esc := &mirror.Escalation{
		TenantID: tenantID,
		Kind:     mirror.EscalationKindImbalance,
		Summary: fmt.Sprintf("trial balance mismatch: external %s vs internal %s (diff %s)",
			external.StringFixed(2), internalDebit.StringFixed(2), totalDiff.StringFixed(2)),
		Breakdown: renderBreakdown(outcome),
	}
	if err := s.repo.InsertEscalation(ctx, esc); err != nil {
		return nil, fmt.Errorf("reconcile: persist escalation: %w", err)
	}
	outcome.EscalationID = esc.ID

	if err := s.flags.SetHardStop(ctx, tenantID, true); err != nil {
		s.logger.Warn("set hard stop flag", slog.Any("error", err))
	}
	s.logger.Error("trial balance mismatch, postings blocked",
		slog.Int64("tenant_id", tenantID),
		slog.String("diff", totalDiff.StringFixed(2)),
		slog.Int("unresolved_gl_lines", unresolved))
	return outcome, nil
}

type namedBalance struct {
	name    string
	balance decimal.Decimal
}

func (s *Service) fetchExternalTrialBalance(ctx context.Context, conn *mirror.Connection) (decimal.Decimal, map[string]namedBalance, error) {
	report, err := s.api.FetchReport(ctx, conn, "TrialBalance", url.Values{})
	if err != nil {
		return decimal.Zero, nil, err
	}

	total := decimal.Zero
	byAccount := make(map[string]namedBalance)
	for _, row := range report.DataRows() {
		// columns: account, debit, credit
		if len(row.ColData) < 3 {
			continue
		}
		debit := parseAmount(row.ColData[1].Value)
		credit := parseAmount(row.ColData[2].Value)
		total = total.Add(debit)
		key := row.ColData[0].ID
		if key == "" {
			key = row.ColData[0].Value
		}
		byAccount[key] = namedBalance{
			name:    row.ColData[0].Value,
			balance: debit.Sub(credit),
		}
	}
	return total, byAccount, nil
}

func (s *Service) fetchAgingTotal(ctx context.Context, conn *mirror.Connection, name string) (decimal.Decimal, error) {
	report, err := s.api.FetchReport(ctx, conn, name, url.Values{})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, row := range report.DataRows() {
		if len(row.ColData) == 0 {
			continue
		}
		// last column carries the row total
		total = total.Add(parseAmount(row.ColData[len(row.ColData)-1].Value))
	}
	return total, nil
}

func accountDiffs(external map[string]namedBalance, internal map[string]decimal.Decimal) []AccountDiff {
	keys := make(map[string]struct{}, len(external)+len(internal))
	for k := range external {
		keys[k] = struct{}{}
	}
	for k := range internal {
		keys[k] = struct{}{}
	}

	var diffs []AccountDiff
	for key := range keys {
		ext := external[key]
		in := internal[key]
		diff := ext.balance.Sub(in).Abs()
		if diff.LessThanOrEqual(Tolerance) {
			continue
		}
		name := ext.name
		if name == "" {
			name = key
		}
		diffs = append(diffs, AccountDiff{
			AccountExternalID: key,
			AccountName:       name,
			External:          ext.balance,
			Internal:          in,
			Diff:              diff,
		})
	}
	sort.Slice(diffs, func(i, j int) bool {
		return diffs[i].Diff.GreaterThan(diffs[j].Diff)
	})
	return diffs
}

// renderBreakdown formats the per-account mismatch list for the escalation
// record read by humans.
func renderBreakdown(o *Outcome) string {
	p := message.NewPrinter(language.English)
	var b strings.Builder
	b.WriteString(p.Sprintf("external total %s, internal total %s, diff %s\n",
		o.ExternalTotal.StringFixed(2), o.InternalTotal.StringFixed(2), o.TotalDiff.StringFixed(2)))
	b.WriteString(p.Sprintf("AR diff %s, AP diff %s, unresolved GL lines %d\n",
		o.ARDiff.StringFixed(2), o.APDiff.StringFixed(2), o.UnresolvedGLLines))
	for _, d := range o.AccountDiffs {
		b.WriteString(p.Sprintf("account %s (%s): external %s vs internal %s (diff %s)\n",
			d.AccountName, d.AccountExternalID,
			d.External.StringFixed(2), d.Internal.StringFixed(2), d.Diff.StringFixed(2)))
	}
	return b.String()
}

func parseAmount(value string) decimal.Decimal {
	value = strings.ReplaceAll(strings.TrimSpace(value), ",", "")
	if value == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return d
}
