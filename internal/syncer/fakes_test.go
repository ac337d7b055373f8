package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ledgerbridge/ledgerbridge/internal/mirror"
	"github.com/ledgerbridge/ledgerbridge/internal/qbo"
	"github.com/ledgerbridge/ledgerbridge/internal/reconcile"
)

type goneCall struct {
	TxnType    string
	ExternalID string
	Voided     bool
}

// memRepo is an in-memory RepositoryPort with call accounting for the
// behaviors under test.
type memRepo struct {
	mu sync.Mutex

	conns     map[int64]*mirror.Connection
	accounts  map[string]int64
	customers map[string]int64
	vendors   map[string]int64

	entities        map[string]mirror.EntityRow
	deletedEntities []string
	upsertEntityErr map[mirror.EntityKind]error

	txns      map[string]mirror.TransactionRow
	nextTxnID int64
	goneCalls []goneCall

	glByTxn        map[int64]*mirror.GLTransaction
	glReplaceCount int

	locks map[string]time.Time
	logs  []mirror.SyncLog

	lastSync *time.Time
	bank     []mirror.BankAccountActivity

	now func() time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{
		conns:           map[int64]*mirror.Connection{},
		accounts:        map[string]int64{},
		customers:       map[string]int64{},
		vendors:         map[string]int64{},
		entities:        map[string]mirror.EntityRow{},
		upsertEntityErr: map[mirror.EntityKind]error{},
		txns:            map[string]mirror.TransactionRow{},
		glByTxn:         map[int64]*mirror.GLTransaction{},
		locks:           map[string]time.Time{},
		now:             time.Now,
	}
}

func (m *memRepo) GetConnection(_ context.Context, tenantID int64) (*mirror.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[tenantID]
	if !ok {
		return nil, mirror.ErrNotFound
	}
	return conn, nil
}

func (m *memRepo) UpsertEntities(_ context.Context, _ int64, kind mirror.EntityKind, rows []mirror.EntityRow) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.upsertEntityErr[kind]; err != nil {
		return 0, err
	}
	for _, row := range rows {
		m.entities[string(kind)+":"+row.ExternalID] = row
	}
	return len(rows), nil
}

func (m *memRepo) MarkEntityDeleted(_ context.Context, _ int64, kind mirror.EntityKind, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedEntities = append(m.deletedEntities, string(kind)+":"+externalID)
	return nil
}

func (m *memRepo) AccountLookup(_ context.Context, _ int64) (map[string]int64, error) {
	return m.accounts, nil
}

func (m *memRepo) CustomerLookup(_ context.Context, _ int64) (map[string]int64, error) {
	return m.customers, nil
}

func (m *memRepo) VendorLookup(_ context.Context, _ int64) (map[string]int64, error) {
	return m.vendors, nil
}

func (m *memRepo) UpsertTransaction(_ context.Context, row mirror.TransactionRow) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := row.TxnType + ":" + row.ExternalID
	if prev, ok := m.txns[key]; ok {
		row.ID = prev.ID
		m.txns[key] = row
		return prev.ID, prev.SyncToken != row.SyncToken, nil
	}
	m.nextTxnID++
	row.ID = m.nextTxnID
	m.txns[key] = row
	return row.ID, true, nil
}

func (m *memRepo) MarkTransactionGone(_ context.Context, _ int64, txnType, externalID string, voided bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.goneCalls = append(m.goneCalls, goneCall{TxnType: txnType, ExternalID: externalID, Voided: voided})
	return nil
}

func (m *memRepo) ReplaceGLTransaction(_ context.Context, glTxn *mirror.GLTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.glReplaceCount++
	m.glByTxn[glTxn.TransactionID] = glTxn
	return nil
}

func (m *memRepo) AcquireLock(_ context.Context, tenantID int64, operation string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d:%s", tenantID, operation)
	if expires, ok := m.locks[key]; ok && expires.After(m.now()) {
		return mirror.ErrLockHeld
	}
	m.locks[key] = m.now().Add(ttl)
	return nil
}

func (m *memRepo) ReleaseLock(_ context.Context, tenantID int64, operation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, fmt.Sprintf("%d:%s", tenantID, operation))
	return nil
}

func (m *memRepo) InsertSyncLog(_ context.Context, log *mirror.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *log)
	return nil
}

func (m *memRepo) LastSyncStartedAt(_ context.Context, _ int64) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSync == nil {
		return time.Time{}, mirror.ErrNotFound
	}
	return *m.lastSync, nil
}

func (m *memRepo) UpdateBankActivity(_ context.Context, _ int64, rows []mirror.BankAccountActivity) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bank = append(m.bank, rows...)
	return len(rows), nil
}

// memAPI serves canned payloads keyed by entity name.
type memAPI struct {
	mu sync.Mutex

	byEntity map[string][]json.RawMessage
	queryErr map[string]error
	cdc      []qbo.CDCEntry
	report   *qbo.Report

	queried []string
	wheres  []string
}

func newMemAPI() *memAPI {
	return &memAPI{
		byEntity: map[string][]json.RawMessage{},
		queryErr: map[string]error{},
	}
}

func (a *memAPI) QueryAll(_ context.Context, _ *mirror.Connection, entity, where string) ([]json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queried = append(a.queried, entity)
	a.wheres = append(a.wheres, where)
	if err := a.queryErr[entity]; err != nil {
		return nil, err
	}
	return a.byEntity[entity], nil
}

func (a *memAPI) CDCQuery(_ context.Context, _ *mirror.Connection, _ []string, _ time.Time) ([]qbo.CDCEntry, error) {
	return a.cdc, nil
}

func (a *memAPI) FetchReport(_ context.Context, _ *mirror.Connection, _ string, _ url.Values) (*qbo.Report, error) {
	if a.report == nil {
		return &qbo.Report{}, nil
	}
	return a.report, nil
}

// memReconciler returns a canned verdict.
type memReconciler struct {
	outcome *reconcile.Outcome
	err     error
	runs    int
}

func (m *memReconciler) Run(_ context.Context, _ int64, _ *mirror.Connection) (*reconcile.Outcome, error) {
	m.runs++
	if m.err != nil {
		return nil, m.err
	}
	return m.outcome, nil
}
