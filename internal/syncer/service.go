// Package syncer sequences the sync operations against the external ledger:
// full backfill, incremental catch-up, reconciliation, targeted re-sync, and
// bank-activity refresh. Each run holds a per (tenant, operation) lock and
// leaves exactly one sync log row behind.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledgerbridge/ledgerbridge/internal/gl"
	"github.com/ledgerbridge/ledgerbridge/internal/mirror"
	"github.com/ledgerbridge/ledgerbridge/internal/qbo"
	"github.com/ledgerbridge/ledgerbridge/internal/reconcile"
)

// Operation names double as lock keys and sync log labels.
const (
	OpBackfill     = "backfill"
	OpIncremental  = "incremental"
	OpReconcile    = "reconcile"
	OpSyncEntity   = "sync_entity"
	OpBankActivity = "bank_activity"
)

const (
	// lockTTL bounds how long a crashed run can block its successor.
	lockTTL = 10 * time.Minute

	// defaultSinceWindow is the incremental lookback when no prior run exists.
	defaultSinceWindow = 24 * time.Hour

	// maxErrorSamples caps the error strings persisted per run; the full
	// count is kept separately.
	maxErrorSamples = 5
)

// referenceFamilies are the non-transaction entities, synced in dependency
// order: lookups built from accounts/customers/vendors feed GL normalization.
var referenceFamilies = []struct {
	Entity string
	Kind   mirror.EntityKind
}{
	{"CompanyInfo", mirror.EntityCompany},
	{"Account", mirror.EntityAccount},
	{"Item", mirror.EntityItem},
	{"Customer", mirror.EntityCustomer},
	{"Vendor", mirror.EntityVendor},
	{"Class", mirror.EntityClass},
	{"Department", mirror.EntityDepartment},
}

// transactionTypes is the closed list of synced transaction families. Order
// is stable so run counts are comparable across runs.
var transactionTypes = []string{
	"Invoice",
	"SalesReceipt",
	"Estimate",
	"Bill",
	"VendorCredit",
	"Payment",
	"CreditMemo",
	"JournalEntry",
}

// Status classifies a finished run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusConflict  Status = "conflict"
)

// Result is the structured outcome of one orchestrator run.
type Result struct {
	RunID          string              `json:"run_id"`
	Operation      string              `json:"operation"`
	Status         Status              `json:"status"`
	Counts         map[string]int      `json:"counts"`
	Synced         int                 `json:"synced"`
	Skipped        int                 `json:"skipped"`
	Removed        int                 `json:"removed"`
	ErrorCount     int                 `json:"error_count"`
	Errors         []string            `json:"errors,omitempty"`
	Duration       time.Duration       `json:"duration"`
	StartedAt      time.Time           `json:"started_at"`
	Reconciliation *reconcile.Outcome  `json:"reconciliation,omitempty"`
	Incremental    *Result             `json:"incremental,omitempty"`

	diff *decimal.Decimal
}

func (r *Result) addError(err error) {
	r.ErrorCount++
	if len(r.Errors) < maxErrorSamples {
		r.Errors = append(r.Errors, err.Error())
	}
}

// RepositoryPort is the mirror-store surface the orchestrator needs.
type RepositoryPort interface {
	GetConnection(ctx context.Context, tenantID int64) (*mirror.Connection, error)
	UpsertEntities(ctx context.Context, tenantID int64, kind mirror.EntityKind, rows []mirror.EntityRow) (int, error)
	MarkEntityDeleted(ctx context.Context, tenantID int64, kind mirror.EntityKind, externalID string) error
	AccountLookup(ctx context.Context, tenantID int64) (map[string]int64, error)
	CustomerLookup(ctx context.Context, tenantID int64) (map[string]int64, error)
	VendorLookup(ctx context.Context, tenantID int64) (map[string]int64, error)
	UpsertTransaction(ctx context.Context, row mirror.TransactionRow) (int64, bool, error)
	MarkTransactionGone(ctx context.Context, tenantID int64, txnType, externalID string, voided bool) error
	ReplaceGLTransaction(ctx context.Context, glTxn *mirror.GLTransaction) error
	AcquireLock(ctx context.Context, tenantID int64, operation string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, tenantID int64, operation string) error
	InsertSyncLog(ctx context.Context, log *mirror.SyncLog) error
	LastSyncStartedAt(ctx context.Context, tenantID int64) (time.Time, error)
	UpdateBankActivity(ctx context.Context, tenantID int64, rows []mirror.BankAccountActivity) (int, error)
}

// APIPort is the external-ledger surface the orchestrator needs.
type APIPort interface {
	QueryAll(ctx context.Context, conn *mirror.Connection, entity, where string) ([]json.RawMessage, error)
	CDCQuery(ctx context.Context, conn *mirror.Connection, entities []string, since time.Time) ([]qbo.CDCEntry, error)
	FetchReport(ctx context.Context, conn *mirror.Connection, name string, params url.Values) (*qbo.Report, error)
}

// ReconcilerPort runs one trial-balance check.
type ReconcilerPort interface {
	Run(ctx context.Context, tenantID int64, conn *mirror.Connection) (*reconcile.Outcome, error)
}

// Service is the sync orchestrator.
type Service struct {
	repo       RepositoryPort
	api        APIPort
	reconciler ReconcilerPort
	logger     *slog.Logger

	now   func() time.Time
	runID func() string
}

// NewService constructs the orchestrator.
func NewService(repo RepositoryPort, api APIPort, reconciler ReconcilerPort, logger *slog.Logger) *Service {
	return &Service{
		repo:       repo,
		api:        api,
		reconciler: reconciler,
		logger:     logger,
		now:        time.Now,
		runID:      uuid.NewString,
	}
}

// Backfill performs a full resync: every reference family, then every
// transaction type with a GL rebuild of each fetched transaction. Safe to
// re-run.
func (s *Service) Backfill(ctx context.Context, tenantID int64) *Result {
	return s.run(ctx, tenantID, OpBackfill, "all", func(ctx context.Context, conn *mirror.Connection, res *Result) error {
		s.syncReferences(ctx, conn, "", res)

		lookups, err := s.loadLookups(ctx, conn.TenantID)
		if err != nil {
			return fmt.Errorf("load lookups: %w", err)
		}
		for _, txnType := range transactionTypes {
			s.syncTransactionType(ctx, conn, txnType, "", lookups, false, res)
		}
		return nil
	})
}

// Incremental re-queries entities modified since the last backfill or
// incremental run (24h lookback when none exists), skips transactions whose
// sync token is unchanged, and applies change-feed deletions and voids.
func (s *Service) Incremental(ctx context.Context, tenantID int64) *Result {
	return s.run(ctx, tenantID, OpIncremental, "all", func(ctx context.Context, conn *mirror.Connection, res *Result) error {
		since, err := s.repo.LastSyncStartedAt(ctx, conn.TenantID)
		if errors.Is(err, mirror.ErrNotFound) {
			since = s.now().Add(-defaultSinceWindow)
		} else if err != nil {
			return fmt.Errorf("resolve since: %w", err)
		}
		where := fmt.Sprintf("Metadata.LastUpdatedTime > '%s'", since.UTC().Format(time.RFC3339))

		s.syncReferences(ctx, conn, where, res)

		lookups, err := s.loadLookups(ctx, conn.TenantID)
		if err != nil {
			return fmt.Errorf("load lookups: %w", err)
		}
		for _, txnType := range transactionTypes {
			s.syncTransactionType(ctx, conn, txnType, where, lookups, true, res)
		}

		s.applyChangeFeed(ctx, conn, since, res)
		return nil
	})
}

// Reconcile runs a trial-balance check and then always an incremental sync,
// so a detected imbalance is re-checked against fresh data on the next run.
func (s *Service) Reconcile(ctx context.Context, tenantID int64) *Result {
	res := s.run(ctx, tenantID, OpReconcile, "reconciliation", func(ctx context.Context, conn *mirror.Connection, res *Result) error {
		outcome, err := s.reconciler.Run(ctx, conn.TenantID, conn)
		if err != nil {
			return err
		}
		res.Reconciliation = outcome
		diff := outcome.TotalDiff
		res.diff = &diff
		return nil
	})
	if res.Status == StatusConflict {
		return res
	}
	res.Incremental = s.Incremental(ctx, tenantID)
	return res
}

// SyncEntity re-syncs one transaction type with a full GL rebuild, for
// operator-triggered repair. The lock is scoped to the type so unrelated
// repairs can run in parallel.
func (s *Service) SyncEntity(ctx context.Context, tenantID int64, entityType string) *Result {
	if !validTransactionType(entityType) {
		return &Result{
			RunID:      s.runID(),
			Operation:  OpSyncEntity,
			Status:     StatusFailed,
			Counts:     map[string]int{},
			ErrorCount: 1,
			Errors:     []string{fmt.Sprintf("unknown transaction type %q", entityType)},
			StartedAt:  s.now(),
		}
	}
	operation := OpSyncEntity + ":" + entityType
	return s.run(ctx, tenantID, operation, entityType, func(ctx context.Context, conn *mirror.Connection, res *Result) error {
		lookups, err := s.loadLookups(ctx, conn.TenantID)
		if err != nil {
			return fmt.Errorf("load lookups: %w", err)
		}
		s.syncTransactionType(ctx, conn, entityType, "", lookups, false, res)
		return nil
	})
}

// SyncBankActivity refreshes bank-account balances and reconciled counts from
// one bulk report query instead of a call per account.
func (s *Service) SyncBankActivity(ctx context.Context, tenantID int64) *Result {
	return s.run(ctx, tenantID, OpBankActivity, "bank", func(ctx context.Context, conn *mirror.Connection, res *Result) error {
		accounts, err := s.repo.AccountLookup(ctx, conn.TenantID)
		if err != nil {
			return fmt.Errorf("load account lookup: %w", err)
		}

		params := url.Values{}
		params.Set("account_type", "Bank")
		report, err := s.api.FetchReport(ctx, conn, "AccountList", params)
		if err != nil {
			return fmt.Errorf("bank activity report: %w", err)
		}

		// Row layout: account, balance, reconciled count, unreconciled count.
		asOf := s.now()
		var rows []mirror.BankAccountActivity
		for _, row := range report.DataRows() {
			if len(row.ColData) < 4 || row.ColData[0].ID == "" {
				continue
			}
			accountID, ok := accounts[row.ColData[0].ID]
			if !ok {
				s.logger.Warn("sync: bank account not mirrored",
					"tenant_id", conn.TenantID, "external_id", row.ColData[0].ID)
				continue
			}
			rows = append(rows, mirror.BankAccountActivity{
				AccountID:         accountID,
				Balance:           parseAmount(row.ColData[1].Value),
				ReconciledCount:   parseCount(row.ColData[2].Value),
				UnreconciledCount: parseCount(row.ColData[3].Value),
				AsOf:              asOf,
			})
		}

		count, err := s.repo.UpdateBankActivity(ctx, conn.TenantID, rows)
		if err != nil {
			return fmt.Errorf("update bank activity: %w", err)
		}
		res.Counts["bank_accounts"] = count
		res.Synced += count
		return nil
	})
}

// run wraps one operation with the lock, connection load, status
// classification, and sync log write. A held lock returns a conflict result
// without a log row; everything that actually ran is logged.
func (s *Service) run(ctx context.Context, tenantID int64, operation, scope string, fn func(context.Context, *mirror.Connection, *Result) error) *Result {
	res := &Result{
		RunID:     s.runID(),
		Operation: operation,
		Counts:    map[string]int{},
		StartedAt: s.now(),
	}

	if err := s.repo.AcquireLock(ctx, tenantID, operation, lockTTL); err != nil {
		if errors.Is(err, mirror.ErrLockHeld) {
			res.Status = StatusConflict
			s.logger.Warn("sync: lock held", "tenant_id", tenantID, "operation", operation)
			return res
		}
		res.Status = StatusFailed
		res.addError(fmt.Errorf("acquire lock: %w", err))
		s.finish(ctx, tenantID, scope, res)
		return res
	}
	defer func() {
		if err := s.repo.ReleaseLock(ctx, tenantID, operation); err != nil {
			s.logger.Warn("sync: release lock",
				"tenant_id", tenantID, "operation", operation, "error", err)
		}
	}()

	conn, err := s.repo.GetConnection(ctx, tenantID)
	if err != nil {
		res.Status = StatusFailed
		res.addError(fmt.Errorf("load connection: %w", err))
		s.finish(ctx, tenantID, scope, res)
		return res
	}

	if err := fn(ctx, conn, res); err != nil {
		res.Status = StatusFailed
		res.addError(err)
		s.finish(ctx, tenantID, scope, res)
		return res
	}

	switch {
	case res.ErrorCount == 0:
		res.Status = StatusSucceeded
	case res.Synced > 0 || res.Removed > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusFailed
	}
	s.finish(ctx, tenantID, scope, res)
	return res
}

func (s *Service) finish(ctx context.Context, tenantID int64, scope string, res *Result) {
	finished := s.now()
	res.Duration = finished.Sub(res.StartedAt)

	log := &mirror.SyncLog{
		RunID:        res.RunID,
		TenantID:     tenantID,
		Operation:    res.Operation,
		EntityScope:  scope,
		SyncedCount:  res.Synced,
		ErrorCount:   res.ErrorCount,
		ErrorSamples: res.Errors,
		Diff:         res.diff,
		Duration:     res.Duration,
		StartedAt:    res.StartedAt,
		FinishedAt:   finished,
	}
	if err := s.repo.InsertSyncLog(ctx, log); err != nil {
		s.logger.Error("sync: write log",
			"tenant_id", tenantID, "run_id", res.RunID, "error", err)
	}

	s.logger.Info("sync: run finished",
		"tenant_id", tenantID,
		"run_id", res.RunID,
		"operation", res.Operation,
		"status", res.Status,
		"synced", res.Synced,
		"skipped", res.Skipped,
		"errors", res.ErrorCount,
		"duration", res.Duration)
}

// syncReferences upserts every reference family. A failed family is recorded
// and siblings continue.
func (s *Service) syncReferences(ctx context.Context, conn *mirror.Connection, where string, res *Result) {
	for _, family := range referenceFamilies {
		raws, err := s.api.QueryAll(ctx, conn, family.Entity, where)
		if err != nil {
			res.addError(fmt.Errorf("query %s: %w", family.Entity, err))
			continue
		}
		if len(raws) == 0 {
			continue
		}

		rows := make([]mirror.EntityRow, 0, len(raws))
		now := s.now()
		for _, raw := range raws {
			row, err := parseEntityRow(conn.TenantID, family.Kind, raw, now)
			if err != nil {
				res.addError(fmt.Errorf("parse %s: %w", family.Entity, err))
				continue
			}
			rows = append(rows, row)
		}

		count, err := s.repo.UpsertEntities(ctx, conn.TenantID, family.Kind, rows)
		if err != nil {
			res.addError(fmt.Errorf("upsert %s: %w", family.Entity, err))
			continue
		}
		res.Counts[family.Entity] = count
		res.Synced += count
	}
}

// syncTransactionType fetches one transaction family, upserts the mirror
// rows, and rebuilds the GL. With skipUnchanged set, rows whose sync token
// matches the stored one are counted as skipped and their GL left alone.
func (s *Service) syncTransactionType(ctx context.Context, conn *mirror.Connection, txnType, where string, lookups gl.Lookups, skipUnchanged bool, res *Result) {
	raws, err := s.api.QueryAll(ctx, conn, txnType, where)
	if err != nil {
		res.addError(fmt.Errorf("query %s: %w", txnType, err))
		return
	}

	for _, raw := range raws {
		row, err := parseTransactionRow(conn.TenantID, txnType, raw, lookups, s.now())
		if err != nil {
			res.addError(fmt.Errorf("parse %s: %w", txnType, err))
			continue
		}

		id, changed, err := s.repo.UpsertTransaction(ctx, row)
		if err != nil {
			res.addError(fmt.Errorf("upsert %s %s: %w", txnType, row.ExternalID, err))
			continue
		}
		if skipUnchanged && !changed {
			res.Skipped++
			continue
		}

		normalized, err := gl.Normalize(conn.TenantID, id, txnType, raw, lookups)
		if err != nil {
			res.addError(fmt.Errorf("normalize %s %s: %w", txnType, row.ExternalID, err))
			continue
		}
		glTxn := normalized.Transaction
		if glTxn == nil {
			// No line items: an empty replace clears any stale lines.
			glTxn = &mirror.GLTransaction{
				TenantID:      conn.TenantID,
				TransactionID: id,
				TxnType:       txnType,
				TxnDate:       row.TxnDate,
			}
		}
		if err := s.repo.ReplaceGLTransaction(ctx, glTxn); err != nil {
			res.addError(fmt.Errorf("rebuild gl %s %s: %w", txnType, row.ExternalID, err))
			continue
		}
		if normalized.Unresolved > 0 {
			res.Counts["unresolved_lines"] += normalized.Unresolved
		}
		res.Counts[txnType]++
		res.Synced++
	}
}

// applyChangeFeed flips void and delete flags from the change feed. Voided
// and deleted transactions also lose their GL lines.
func (s *Service) applyChangeFeed(ctx context.Context, conn *mirror.Connection, since time.Time, res *Result) {
	entities := make([]string, 0, len(referenceFamilies)-1+len(transactionTypes))
	kinds := make(map[string]mirror.EntityKind, len(referenceFamilies))
	for _, family := range referenceFamilies {
		if family.Kind == mirror.EntityCompany {
			continue
		}
		entities = append(entities, family.Entity)
		kinds[family.Entity] = family.Kind
	}
	entities = append(entities, transactionTypes...)

	entries, err := s.api.CDCQuery(ctx, conn, entities, since)
	if err != nil {
		res.addError(fmt.Errorf("change feed: %w", err))
		return
	}

	for _, entry := range entries {
		for _, item := range entry.Items {
			var rec qbo.ChangedRecord
			if err := json.Unmarshal(item, &rec); err != nil || rec.ID == "" {
				continue
			}
			voided := rec.Status == "Voided"
			if rec.Status != "Deleted" && !voided {
				continue
			}

			if kind, ok := kinds[entry.Entity]; ok {
				if err := s.repo.MarkEntityDeleted(ctx, conn.TenantID, kind, rec.ID); err != nil {
					res.addError(fmt.Errorf("mark %s %s deleted: %w", entry.Entity, rec.ID, err))
					continue
				}
			} else {
				if err := s.repo.MarkTransactionGone(ctx, conn.TenantID, entry.Entity, rec.ID, voided); err != nil {
					res.addError(fmt.Errorf("mark %s %s gone: %w", entry.Entity, rec.ID, err))
					continue
				}
			}
			res.Removed++
		}
	}
	if res.Removed > 0 {
		res.Counts["removed"] = res.Removed
	}
}

func (s *Service) loadLookups(ctx context.Context, tenantID int64) (gl.Lookups, error) {
	accounts, err := s.repo.AccountLookup(ctx, tenantID)
	if err != nil {
		return gl.Lookups{}, fmt.Errorf("accounts: %w", err)
	}
	customers, err := s.repo.CustomerLookup(ctx, tenantID)
	if err != nil {
		return gl.Lookups{}, fmt.Errorf("customers: %w", err)
	}
	vendors, err := s.repo.VendorLookup(ctx, tenantID)
	if err != nil {
		return gl.Lookups{}, fmt.Errorf("vendors: %w", err)
	}
	return gl.Lookups{Accounts: accounts, Customers: customers, Vendors: vendors}, nil
}

func validTransactionType(entityType string) bool {
	for _, t := range transactionTypes {
		if t == entityType {
			return true
		}
	}
	return false
}

func parseAmount(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseCount(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}
