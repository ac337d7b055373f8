package reconcile

import (
	"context"
	"log/slog"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ledgerbridge/ledgerbridge/internal/mirror"
	"github.com/ledgerbridge/ledgerbridge/internal/qbo"
)

type memReconcileRepo struct {
	glDebit     decimal.Decimal
	glByAccount map[string]decimal.Decimal
	openAR      decimal.Decimal
	openAP      decimal.Decimal
	unresolved  int
	checks      []*mirror.TrialBalanceCheck
	escalations []*mirror.Escalation
}

func (r *memReconcileRepo) GLTotals(ctx context.Context, tenantID int64) (decimal.Decimal, decimal.Decimal, error) {
	return r.glDebit, r.glDebit, nil
}

func (r *memReconcileRepo) GLAccountBalances(ctx context.Context, tenantID int64) (map[string]decimal.Decimal, error) {
	return r.glByAccount, nil
}

func (r *memReconcileRepo) OpenSubledgerTotal(ctx context.Context, tenantID int64, txnTypes []string) (decimal.Decimal, error) {
	if len(txnTypes) > 0 && txnTypes[0] == "Invoice" {
		return r.openAR, nil
	}
	return r.openAP, nil
}

func (r *memReconcileRepo) UnresolvedGLLineCount(ctx context.Context, tenantID int64) (int, error) {
	return r.unresolved, nil
}

func (r *memReconcileRepo) InsertTrialBalanceCheck(ctx context.Context, check *mirror.TrialBalanceCheck) error {
	check.ID = int64(len(r.checks) + 1)
	r.checks = append(r.checks, check)
	return nil
}

func (r *memReconcileRepo) InsertEscalation(ctx context.Context, esc *mirror.Escalation) error {
	esc.ID = int64(len(r.escalations) + 1)
	r.escalations = append(r.escalations, esc)
	return nil
}

type memAPI struct {
	reports map[string]*qbo.Report
}

func (a *memAPI) FetchReport(ctx context.Context, conn *mirror.Connection, name string, params url.Values) (*qbo.Report, error) {
	if report, ok := a.reports[name]; ok {
		return report, nil
	}
	return &qbo.Report{}, nil
}

type memFlags struct {
	hardStop map[int64]bool
	sets     int
}

func (f *memFlags) SetHardStop(ctx context.Context, tenantID int64, blocked bool) error {
	if f.hardStop == nil {
		f.hardStop = make(map[int64]bool)
	}
	f.hardStop[tenantID] = blocked
	f.sets++
	return nil
}

func trialBalanceReport(rows ...[3]string) *qbo.Report {
	report := &qbo.Report{}
	for _, row := range rows {
		report.Rows.Row = append(report.Rows.Row, qbo.ReportRow{
			Type: "Data",
			ColData: []qbo.ReportCol{
				{Value: row[0], ID: row[0]},
				{Value: row[1]},
				{Value: row[2]},
			},
		})
	}
	return report
}

func newTestService(repo *memReconcileRepo, api *memAPI, flags *memFlags) *Service {
	return NewService(repo, api, flags, slog.Default())
}

func TestRunDetectsImbalance(t *testing.T) {
	repo := &memReconcileRepo{
		glDebit: decimal.RequireFromString("1000.02"),
		glByAccount: map[string]decimal.Decimal{
			"84": decimal.RequireFromString("1000.02"),
		},
	}
	api := &memAPI{reports: map[string]*qbo.Report{
		"TrialBalance": trialBalanceReport([3]string{"84", "1000.00", "0.00"}),
	}}
	flags := &memFlags{}
	svc := newTestService(repo, api, flags)

	outcome, err := svc.Run(context.Background(), 1, &mirror.Connection{ID: 1, TenantID: 1})
	require.NoError(t, err)
	require.False(t, outcome.Balanced)
	require.True(t, outcome.TotalDiff.Equal(decimal.RequireFromString("0.02")), "diff %s", outcome.TotalDiff)

	require.Len(t, repo.checks, 1)
	require.False(t, repo.checks[0].Balanced)
	require.Len(t, repo.escalations, 1)
	require.Equal(t, mirror.EscalationKindImbalance, repo.escalations[0].Kind)
	require.Contains(t, repo.escalations[0].Breakdown, "84")
	require.True(t, flags.hardStop[1])
}

func TestRunBalancedCreatesNoEscalation(t *testing.T) {
	repo := &memReconcileRepo{
		glDebit: decimal.RequireFromString("500.00"),
	}
	api := &memAPI{reports: map[string]*qbo.Report{
		"TrialBalance": trialBalanceReport([3]string{"84", "500.00", "0.00"}),
	}}
	flags := &memFlags{}
	svc := newTestService(repo, api, flags)

	outcome, err := svc.Run(context.Background(), 1, &mirror.Connection{ID: 1, TenantID: 1})
	require.NoError(t, err)
	require.True(t, outcome.Balanced)
	require.True(t, outcome.TotalDiff.IsZero())
	require.Len(t, repo.checks, 1)
	require.True(t, repo.checks[0].Balanced)
	require.Empty(t, repo.escalations)
	require.False(t, flags.hardStop[1])
}

func TestRunWithinToleranceIsBalanced(t *testing.T) {
	repo := &memReconcileRepo{
		glDebit: decimal.RequireFromString("500.01"),
	}
	api := &memAPI{reports: map[string]*qbo.Report{
		"TrialBalance": trialBalanceReport([3]string{"84", "500.00", "0.00"}),
	}}
	flags := &memFlags{}
	svc := newTestService(repo, api, flags)

	outcome, err := svc.Run(context.Background(), 1, &mirror.Connection{ID: 1, TenantID: 1})
	require.NoError(t, err)
	require.True(t, outcome.Balanced)
	require.Empty(t, repo.escalations)
}

func TestRunSubledgerMismatchEscalates(t *testing.T) {
	repo := &memReconcileRepo{
		glDebit: decimal.RequireFromString("100.00"),
		openAR:  decimal.RequireFromString("40.00"),
	}
	api := &memAPI{reports: map[string]*qbo.Report{
		"TrialBalance": trialBalanceReport([3]string{"84", "100.00", "0.00"}),
		"AgedReceivables": {Rows: qbo.ReportRows{Row: []qbo.ReportRow{
			{Type: "Data", ColData: []qbo.ReportCol{{Value: "Acme"}, {Value: "55.00"}}},
		}}},
	}}
	flags := &memFlags{}
	svc := newTestService(repo, api, flags)

	outcome, err := svc.Run(context.Background(), 1, &mirror.Connection{ID: 1, TenantID: 1})
	require.NoError(t, err)
	require.False(t, outcome.Balanced)
	require.True(t, outcome.ARDiff.Equal(decimal.RequireFromString("15.00")), "ar diff %s", outcome.ARDiff)
	require.Len(t, repo.escalations, 1)
}

func TestRunSurfacesUnresolvedLineCount(t *testing.T) {
	repo := &memReconcileRepo{
		glDebit:    decimal.RequireFromString("100.00"),
		unresolved: 3,
	}
	api := &memAPI{reports: map[string]*qbo.Report{
		"TrialBalance": trialBalanceReport([3]string{"84", "250.00", "0.00"}),
	}}
	flags := &memFlags{}
	svc := newTestService(repo, api, flags)

	outcome, err := svc.Run(context.Background(), 1, &mirror.Connection{ID: 1, TenantID: 1})
	require.NoError(t, err)
	require.Equal(t, 3, outcome.UnresolvedGLLines)
	require.Contains(t, repo.escalations[0].Breakdown, "unresolved GL lines 3")
}
