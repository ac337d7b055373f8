package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ledgerbridge/ledgerbridge/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for the mirror.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	return &Repository{pool: pool, logger: logger}
}

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("mirror: not found")
	// ErrLockHeld indicates another run holds the (tenant, operation) lock.
	ErrLockHeld = errors.New("mirror: sync lock already held")
)

// upsertBatchSize bounds one multi-row upsert statement.
const upsertBatchSize = 100

// --- Connections ---

// GetConnection loads the tenant's external-system connection.
func (r *Repository) GetConnection(ctx context.Context, tenantID int64) (*Connection, error) {
	query := `
		SELECT id, tenant_id, realm_id, access_token_enc, refresh_token_enc,
			token_expires_at, needs_reauth, created_at, updated_at
		FROM connections
		WHERE tenant_id = $1`

	var c Connection
	err := r.pool.QueryRow(ctx, query, tenantID).Scan(
		&c.ID, &c.TenantID, &c.RealmID, &c.AccessTokenEncrypted, &c.RefreshTokenEncrypted,
		&c.TokenExpiresAt, &c.NeedsReauth, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListTenantIDs returns every tenant with a usable connection, for scheduled
// fan-out. Connections pending reauthorization are skipped.
func (r *Repository) ListTenantIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT tenant_id FROM connections WHERE needs_reauth = FALSE ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateTokens persists a refreshed token pair.
func (r *Repository) UpdateTokens(ctx context.Context, connectionID int64, accessEnc, refreshEnc string, expiresAt time.Time) error {
	query := `
		UPDATE connections
		SET access_token_enc = $2, refresh_token_enc = $3, token_expires_at = $4,
			needs_reauth = FALSE, updated_at = NOW()
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, connectionID, accessEnc, refreshEnc, expiresAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkNeedsReauth flags a connection whose refresh token was rejected.
func (r *Repository) MarkNeedsReauth(ctx context.Context, connectionID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE connections SET needs_reauth = TRUE, updated_at = NOW() WHERE id = $1`,
		connectionID)
	return err
}

// --- Entity mirror upserts ---

// UpsertEntities writes reference-entity rows in batches. A failed batch is
// logged and skipped so the remaining batches still land.
func (r *Repository) UpsertEntities(ctx context.Context, tenantID int64, kind EntityKind, rows []EntityRow) (int, error) {
	query := `
		INSERT INTO entity_mirror (
			tenant_id, kind, external_id, name, entity_type, balance, active,
			deleted, raw_payload, last_synced_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, NOW())
		ON CONFLICT (tenant_id, kind, external_id) DO UPDATE SET
			name = EXCLUDED.name,
			entity_type = EXCLUDED.entity_type,
			balance = EXCLUDED.balance,
			active = EXCLUDED.active,
			deleted = FALSE,
			raw_payload = EXCLUDED.raw_payload,
			last_synced_at = NOW()`

	total := 0
	for start := 0; start < len(rows); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := &pgx.Batch{}
		for _, row := range rows[start:end] {
			batch.Queue(query,
				tenantID, string(kind), row.ExternalID, row.Name, row.EntityType,
				row.Balance, row.Active, row.RawPayload)
		}
		results := r.pool.SendBatch(ctx, batch)
		count, err := drainBatch(results, end-start)
		total += count
		if err != nil {
			r.logger.Warn("entity upsert batch failed",
				slog.String("kind", string(kind)),
				slog.Int64("tenant_id", tenantID),
				slog.Any("error", err))
		}
	}
	return total, nil
}

func drainBatch(results pgx.BatchResults, n int) (int, error) {
	defer results.Close()
	count := 0
	var firstErr error
	for i := 0; i < n; i++ {
		if _, err := results.Exec(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		count++
	}
	return count, firstErr
}

// MarkEntityDeleted flips the soft-delete flag for one mirrored entity.
func (r *Repository) MarkEntityDeleted(ctx context.Context, tenantID int64, kind EntityKind, externalID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE entity_mirror
		SET deleted = TRUE, last_synced_at = NOW()
		WHERE tenant_id = $1 AND kind = $2 AND external_id = $3`,
		tenantID, string(kind), externalID)
	return err
}

// --- Lookups ---

func (r *Repository) lookup(ctx context.Context, tenantID int64, kind EntityKind) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT external_id, id FROM entity_mirror
		WHERE tenant_id = $1 AND kind = $2 AND NOT deleted`,
		tenantID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var extID string
		var id int64
		if err := rows.Scan(&extID, &id); err != nil {
			return nil, err
		}
		out[extID] = id
	}
	return out, rows.Err()
}

// AccountLookup maps external account ids to local mirror ids.
func (r *Repository) AccountLookup(ctx context.Context, tenantID int64) (map[string]int64, error) {
	return r.lookup(ctx, tenantID, EntityAccount)
}

// CustomerLookup maps external customer ids to local mirror ids.
func (r *Repository) CustomerLookup(ctx context.Context, tenantID int64) (map[string]int64, error) {
	return r.lookup(ctx, tenantID, EntityCustomer)
}

// VendorLookup maps external vendor ids to local mirror ids.
func (r *Repository) VendorLookup(ctx context.Context, tenantID int64) (map[string]int64, error) {
	return r.lookup(ctx, tenantID, EntityVendor)
}

// --- Transaction mirror ---

// UpsertTransaction writes one transaction mirror row and reports whether the
// stored sync token changed, which decides whether the GL must be rebuilt.
func (r *Repository) UpsertTransaction(ctx context.Context, row TransactionRow) (int64, bool, error) {
	var prevToken *string
	err := r.pool.QueryRow(ctx, `
		SELECT sync_token FROM transaction_mirror
		WHERE tenant_id = $1 AND txn_type = $2 AND external_id = $3`,
		row.TenantID, row.TxnType, row.ExternalID).Scan(&prevToken)
	if err != nil && err != pgx.ErrNoRows {
		return 0, false, err
	}

	var id int64
	err = r.pool.QueryRow(ctx, `
		INSERT INTO transaction_mirror (
			tenant_id, txn_type, external_id, sync_token, txn_date, doc_number,
			total_amt, balance, customer_id, vendor_id, voided, deleted,
			raw_payload, last_synced_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, FALSE, $11, NOW())
		ON CONFLICT (tenant_id, txn_type, external_id) DO UPDATE SET
			sync_token = EXCLUDED.sync_token,
			txn_date = EXCLUDED.txn_date,
			doc_number = EXCLUDED.doc_number,
			total_amt = EXCLUDED.total_amt,
			balance = EXCLUDED.balance,
			customer_id = EXCLUDED.customer_id,
			vendor_id = EXCLUDED.vendor_id,
			voided = FALSE,
			deleted = FALSE,
			raw_payload = EXCLUDED.raw_payload,
			last_synced_at = NOW()
		RETURNING id`,
		row.TenantID, row.TxnType, row.ExternalID, row.SyncToken, row.TxnDate,
		row.DocNumber, row.TotalAmt, row.Balance, row.CustomerID, row.VendorID,
		row.RawPayload,
	).Scan(&id)
	if err != nil {
		return 0, false, err
	}

	changed := prevToken == nil || *prevToken != row.SyncToken
	return id, changed, nil
}

// MarkTransactionGone flips the void or delete flag for one transaction. The
// matching GL transaction is removed in the same database transaction so the
// ledger never carries lines for a voided document.
func (r *Repository) MarkTransactionGone(ctx context.Context, tenantID int64, txnType, externalID string, voided bool) error {
	column := "deleted"
	if voided {
		column = "voided"
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, fmt.Sprintf(`
			UPDATE transaction_mirror
			SET %s = TRUE, last_synced_at = NOW()
			WHERE tenant_id = $1 AND txn_type = $2 AND external_id = $3
			RETURNING id`, column),
			tenantID, txnType, externalID).Scan(&id)
		if err == pgx.ErrNoRows {
			// Never mirrored; nothing to flip.
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM gl_lines WHERE gl_transaction_id IN (
				SELECT id FROM gl_transactions WHERE tenant_id = $1 AND transaction_id = $2)`,
			tenantID, id); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM gl_transactions WHERE tenant_id = $1 AND transaction_id = $2`,
			tenantID, id)
		return err
	})
}

// --- General ledger ---

// ReplaceGLTransaction rebuilds the GL for one source transaction from
// scratch: existing rows are deleted and the new shape inserted atomically.
func (r *Repository) ReplaceGLTransaction(ctx context.Context, glTxn *GLTransaction) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM gl_lines WHERE gl_transaction_id IN (
				SELECT id FROM gl_transactions WHERE tenant_id = $1 AND transaction_id = $2)`,
			glTxn.TenantID, glTxn.TransactionID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM gl_transactions WHERE tenant_id = $1 AND transaction_id = $2`,
			glTxn.TenantID, glTxn.TransactionID); err != nil {
			return err
		}

		if glTxn.Lines == nil {
			return nil
		}

		var glID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO gl_transactions (tenant_id, transaction_id, txn_type, txn_date, currency, memo)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			glTxn.TenantID, glTxn.TransactionID, glTxn.TxnType, glTxn.TxnDate,
			glTxn.Currency, glTxn.Memo).Scan(&glID)
		if err != nil {
			return err
		}

		for _, line := range glTxn.Lines {
			if _, err := tx.Exec(ctx, `
				INSERT INTO gl_lines (gl_transaction_id, account_id, customer_id, vendor_id, debit, credit, memo)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				glID, line.AccountID, line.CustomerID, line.VendorID,
				line.Debit, line.Credit, line.Memo); err != nil {
				return err
			}
		}
		return nil
	})
}

// GLTotals returns the summed debits and credits over all GL lines.
func (r *Repository) GLTotals(ctx context.Context, tenantID int64) (debit, credit decimal.Decimal, err error) {
	var d, c string
	err = r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(l.debit), 0)::text, COALESCE(SUM(l.credit), 0)::text
		FROM gl_lines l
		JOIN gl_transactions t ON t.id = l.gl_transaction_id
		WHERE t.tenant_id = $1`,
		tenantID).Scan(&d, &c)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	debit, err = decimal.NewFromString(d)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	credit, err = decimal.NewFromString(c)
	return debit, credit, err
}

// GLAccountBalances aggregates net debit-minus-credit per account external id
// for the per-account reconciliation breakdown.
func (r *Repository) GLAccountBalances(ctx context.Context, tenantID int64) (map[string]decimal.Decimal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.external_id, COALESCE(SUM(l.debit - l.credit), 0)::text
		FROM gl_lines l
		JOIN gl_transactions t ON t.id = l.gl_transaction_id
		JOIN entity_mirror e ON e.id = l.account_id
		WHERE t.tenant_id = $1
		GROUP BY e.external_id`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var extID, amt string
		if err := rows.Scan(&extID, &amt); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(amt)
		if err != nil {
			return nil, err
		}
		out[extID] = d
	}
	return out, rows.Err()
}

// UnresolvedGLLineCount counts GL lines posted without a resolved account
// reference, a data-quality signal surfaced by reconciliation.
func (r *Repository) UnresolvedGLLineCount(ctx context.Context, tenantID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM gl_lines l
		JOIN gl_transactions t ON t.id = l.gl_transaction_id
		WHERE t.tenant_id = $1 AND l.account_id IS NULL`,
		tenantID).Scan(&count)
	return count, err
}

// OpenSubledgerTotal sums outstanding balances for the given transaction
// types (invoices for AR, bills for AP), excluding voided and deleted rows.
func (r *Repository) OpenSubledgerTotal(ctx context.Context, tenantID int64, txnTypes []string) (decimal.Decimal, error) {
	var total string
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(balance), 0)::text
		FROM transaction_mirror
		WHERE tenant_id = $1 AND txn_type = ANY($2) AND NOT voided AND NOT deleted`,
		tenantID, txnTypes).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(total)
}

// --- Trial balance checks & escalations ---

// InsertTrialBalanceCheck persists one immutable reconciliation snapshot.
func (r *Repository) InsertTrialBalanceCheck(ctx context.Context, check *TrialBalanceCheck) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO trial_balance_checks (
			tenant_id, external_total, internal_total, total_diff, ar_diff, ap_diff, balanced, checked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		check.TenantID, check.ExternalTotal, check.InternalTotal, check.TotalDiff,
		check.ARDiff, check.APDiff, check.Balanced, check.CheckedAt,
	).Scan(&check.ID)
}

// LatestTrialBalanceCheck returns the most recent snapshot for a tenant.
func (r *Repository) LatestTrialBalanceCheck(ctx context.Context, tenantID int64) (*TrialBalanceCheck, error) {
	var c TrialBalanceCheck
	var ext, internal, diff, ar, ap string
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, external_total::text, internal_total::text,
			total_diff::text, ar_diff::text, ap_diff::text, balanced, checked_at
		FROM trial_balance_checks
		WHERE tenant_id = $1
		ORDER BY checked_at DESC
		LIMIT 1`,
		tenantID).Scan(&c.ID, &c.TenantID, &ext, &internal, &diff, &ar, &ap, &c.Balanced, &c.CheckedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.ExternalTotal, err = decimal.NewFromString(ext); err != nil {
		return nil, err
	}
	if c.InternalTotal, err = decimal.NewFromString(internal); err != nil {
		return nil, err
	}
	if c.TotalDiff, err = decimal.NewFromString(diff); err != nil {
		return nil, err
	}
	if c.ARDiff, err = decimal.NewFromString(ar); err != nil {
		return nil, err
	}
	if c.APDiff, err = decimal.NewFromString(ap); err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertEscalation writes one blocking human-attention record.
func (r *Repository) InsertEscalation(ctx context.Context, esc *Escalation) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO escalations (tenant_id, kind, summary, breakdown, resolved, created_at)
		VALUES ($1, $2, $3, $4, FALSE, NOW())
		RETURNING id, created_at`,
		esc.TenantID, esc.Kind, esc.Summary, esc.Breakdown,
	).Scan(&esc.ID, &esc.CreatedAt)
}

// --- Sync locks ---

// AcquireLock takes the (tenant, operation) mutex. Expired rows are removed
// first; a unique violation on insert means another run is active and yields
// ErrLockHeld rather than queueing.
func (r *Repository) AcquireLock(ctx context.Context, tenantID int64, operation string, ttl time.Duration) error {
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM sync_locks WHERE expires_at < NOW()`); err != nil {
		return err
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_locks (tenant_id, operation, locked_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + make_interval(secs => $3))`,
		tenantID, operation, ttl.Seconds())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrLockHeld
		}
		return err
	}
	return nil
}

// ReleaseLock frees the (tenant, operation) mutex.
func (r *Repository) ReleaseLock(ctx context.Context, tenantID int64, operation string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM sync_locks WHERE tenant_id = $1 AND operation = $2`,
		tenantID, operation)
	return err
}

// --- Sync logs ---

// InsertSyncLog records one run outcome.
func (r *Repository) InsertSyncLog(ctx context.Context, log *SyncLog) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO sync_logs (
			run_id, tenant_id, operation, entity_scope, synced_count, error_count,
			error_samples, diff, duration_ms, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		log.RunID, log.TenantID, log.Operation, log.EntityScope, log.SyncedCount,
		log.ErrorCount, log.ErrorSamples, log.Diff, log.Duration.Milliseconds(),
		log.StartedAt, log.FinishedAt,
	).Scan(&log.ID)
}

// LastSyncStartedAt returns the start time of the most recent backfill or
// incremental run, used as the incremental `since` watermark.
func (r *Repository) LastSyncStartedAt(ctx context.Context, tenantID int64) (time.Time, error) {
	var started time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT started_at FROM sync_logs
		WHERE tenant_id = $1 AND operation IN ('backfill', 'incremental')
		ORDER BY started_at DESC
		LIMIT 1`,
		tenantID).Scan(&started)
	if err == pgx.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	return started, err
}

// --- Bank activity ---

// UpdateBankActivity refreshes balance and reconciliation counters for the
// mirrored bank accounts.
func (r *Repository) UpdateBankActivity(ctx context.Context, tenantID int64, rows []BankAccountActivity) (int, error) {
	count := 0
	for _, row := range rows {
		result, err := r.pool.Exec(ctx, `
			UPDATE entity_mirror
			SET balance = $3, last_synced_at = NOW()
			WHERE tenant_id = $1 AND id = $2 AND kind = 'account'`,
			tenantID, row.AccountID, row.Balance)
		if err != nil {
			r.logger.Warn("bank activity update failed",
				slog.Int64("account_id", row.AccountID), slog.Any("error", err))
			continue
		}
		if result.RowsAffected() == 0 {
			continue
		}
		if _, err := r.pool.Exec(ctx, `
			INSERT INTO bank_activity (tenant_id, account_id, balance, reconciled_count, unreconciled_count, as_of)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, account_id) DO UPDATE SET
				balance = EXCLUDED.balance,
				reconciled_count = EXCLUDED.reconciled_count,
				unreconciled_count = EXCLUDED.unreconciled_count,
				as_of = EXCLUDED.as_of`,
			tenantID, row.AccountID, row.Balance, row.ReconciledCount,
			row.UnreconciledCount, row.AsOf); err != nil {
			r.logger.Warn("bank activity insert failed",
				slog.Int64("account_id", row.AccountID), slog.Any("error", err))
			continue
		}
		count++
	}
	return count, nil
}
