package syncer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerbridge/ledgerbridge/internal/gl"
	"github.com/ledgerbridge/ledgerbridge/internal/mirror"
)

// rawRef is the {value, name} reference shape used throughout the external
// payloads.
type rawRef struct {
	Value string `json:"value"`
}

// rawEntity covers the denormalized fields shared by the reference families.
// Each family fills a subset; the full payload is kept verbatim alongside.
type rawEntity struct {
	ID             string       `json:"Id"`
	Name           string       `json:"Name"`
	DisplayName    string       `json:"DisplayName"`
	CompanyName    string       `json:"CompanyName"`
	AccountType    string       `json:"AccountType"`
	Type           string       `json:"Type"`
	CurrentBalance *json.Number `json:"CurrentBalance"`
	Balance        *json.Number `json:"Balance"`
	Active         *bool        `json:"Active"`
}

func parseEntityRow(tenantID int64, kind mirror.EntityKind, raw json.RawMessage, now time.Time) (mirror.EntityRow, error) {
	var e rawEntity
	if err := json.Unmarshal(raw, &e); err != nil {
		return mirror.EntityRow{}, err
	}
	if e.ID == "" {
		return mirror.EntityRow{}, fmt.Errorf("record without Id")
	}

	name := e.Name
	if name == "" {
		name = e.DisplayName
	}
	if name == "" {
		name = e.CompanyName
	}

	entityType := e.AccountType
	if entityType == "" {
		entityType = e.Type
	}

	balance := decimal.Zero
	if e.CurrentBalance != nil {
		balance = numberAmount(*e.CurrentBalance)
	} else if e.Balance != nil {
		balance = numberAmount(*e.Balance)
	}

	active := true
	if e.Active != nil {
		active = *e.Active
	}

	return mirror.EntityRow{
		TenantID:     tenantID,
		Kind:         kind,
		ExternalID:   e.ID,
		Name:         name,
		EntityType:   entityType,
		Balance:      balance,
		Active:       active,
		RawPayload:   raw,
		LastSyncedAt: now,
	}, nil
}

// rawTxnHeader is the transaction envelope shared by every family. Line
// items are handled separately during GL normalization.
type rawTxnHeader struct {
	ID          string      `json:"Id"`
	SyncToken   string      `json:"SyncToken"`
	TxnDate     string      `json:"TxnDate"`
	DocNumber   string      `json:"DocNumber"`
	TotalAmt    json.Number `json:"TotalAmt"`
	Balance     json.Number `json:"Balance"`
	CustomerRef *rawRef     `json:"CustomerRef"`
	VendorRef   *rawRef     `json:"VendorRef"`
}

func parseTransactionRow(tenantID int64, txnType string, raw json.RawMessage, lookups gl.Lookups, now time.Time) (mirror.TransactionRow, error) {
	var h rawTxnHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return mirror.TransactionRow{}, err
	}
	if h.ID == "" {
		return mirror.TransactionRow{}, fmt.Errorf("record without Id")
	}

	row := mirror.TransactionRow{
		TenantID:     tenantID,
		TxnType:      txnType,
		ExternalID:   h.ID,
		SyncToken:    h.SyncToken,
		DocNumber:    h.DocNumber,
		TotalAmt:     numberAmount(h.TotalAmt),
		Balance:      numberAmount(h.Balance),
		RawPayload:   raw,
		LastSyncedAt: now,
	}
	if h.TxnDate != "" {
		if d, err := time.Parse("2006-01-02", h.TxnDate); err == nil {
			row.TxnDate = d
		}
	}
	if h.CustomerRef != nil {
		if id, ok := lookups.Customers[h.CustomerRef.Value]; ok {
			row.CustomerID = &id
		}
	}
	if h.VendorRef != nil {
		if id, ok := lookups.Vendors[h.VendorRef.Value]; ok {
			row.VendorID = &id
		}
	}
	return row, nil
}

func numberAmount(num json.Number) decimal.Decimal {
	if num == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(num.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}
