// Package mirror persists the local copy of the external ledger: entity and
// transaction mirrors, the normalized general ledger derived from them, and
// the bookkeeping rows (locks, logs, trial-balance checks) the sync engine
// needs around them.
package mirror

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Connection links a tenant to its realm in the external accounting system.
// Tokens are stored encrypted; only the token lifecycle manager writes them.
type Connection struct {
	ID                    int64
	TenantID              int64
	RealmID               string
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	TokenExpiresAt        time.Time
	NeedsReauth           bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// EntityKind enumerates the mirrored reference-entity families.
type EntityKind string

const (
	EntityAccount    EntityKind = "account"
	EntityCustomer   EntityKind = "customer"
	EntityVendor     EntityKind = "vendor"
	EntityItem       EntityKind = "item"
	EntityClass      EntityKind = "class"
	EntityDepartment EntityKind = "department"
	EntityCompany    EntityKind = "company"
)

// EntityRow is one mirrored reference entity, keyed by (tenant, external id).
// Denormalized fields serve querying; RawPayload keeps the verbatim external
// record for normalization and future fields. Deletion is a soft flag.
type EntityRow struct {
	ID           int64
	TenantID     int64
	Kind         EntityKind
	ExternalID   string
	Name         string
	EntityType   string
	Balance      decimal.Decimal
	Active       bool
	Deleted      bool
	RawPayload   json.RawMessage
	LastSyncedAt time.Time
}

// TransactionRow mirrors one external transaction, keyed by
// (tenant, external id, txn type). SyncToken is the external concurrency
// marker: an unchanged token means the GL does not need rebuilding.
type TransactionRow struct {
	ID           int64
	TenantID     int64
	TxnType      string
	ExternalID   string
	SyncToken    string
	TxnDate      time.Time
	DocNumber    string
	TotalAmt     decimal.Decimal
	Balance      decimal.Decimal
	CustomerID   *int64
	VendorID     *int64
	Voided       bool
	Deleted      bool
	RawPayload   json.RawMessage
	LastSyncedAt time.Time
}

// GLTransaction is the normalized double-entry form of one TransactionRow.
// It is always rebuilt whole (delete then reinsert), never patched.
type GLTransaction struct {
	ID            int64
	TenantID      int64
	TransactionID int64
	TxnType       string
	TxnDate       time.Time
	Currency      string
	Memo          string
	Lines         []GLLine
}

// GLLine is one debit or credit posting. Exactly one of Debit/Credit is
// non-zero. A nil AccountID marks an unresolved account reference; such lines
// are kept visible as a data-quality signal rather than dropped.
type GLLine struct {
	ID         int64
	AccountID  *int64
	CustomerID *int64
	VendorID   *int64
	Debit      decimal.Decimal
	Credit     decimal.Decimal
	Memo       string
}

// TrialBalanceCheck is one immutable reconciliation verdict.
type TrialBalanceCheck struct {
	ID            int64
	TenantID      int64
	ExternalTotal decimal.Decimal
	InternalTotal decimal.Decimal
	TotalDiff     decimal.Decimal
	ARDiff        decimal.Decimal
	APDiff        decimal.Decimal
	Balanced      bool
	CheckedAt     time.Time
}

// SyncLock is an expiring mutex row for one (tenant, operation) pair.
type SyncLock struct {
	TenantID  int64
	Operation string
	LockedAt  time.Time
	ExpiresAt time.Time
}

// SyncLog records one orchestrator run, success or not.
type SyncLog struct {
	ID           int64
	RunID        string
	TenantID     int64
	Operation    string
	EntityScope  string
	SyncedCount  int
	ErrorCount   int
	ErrorSamples []string
	Diff         *decimal.Decimal
	Duration     time.Duration
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Escalation is a blocking "needs human attention" record raised when the
// books do not balance. Collaborators must treat postings as blocked until it
// is resolved.
type Escalation struct {
	ID        int64
	TenantID  int64
	Kind      string
	Summary   string
	Breakdown string
	Resolved  bool
	CreatedAt time.Time
}

// EscalationKindImbalance marks trial-balance mismatch escalations.
const EscalationKindImbalance = "trial_balance_imbalance"

// BankAccountActivity carries refreshed balance and reconciliation counts for
// one mirrored bank account.
type BankAccountActivity struct {
	AccountID         int64
	Balance           decimal.Decimal
	ReconciledCount   int
	UnreconciledCount int
	AsOf              time.Time
}
