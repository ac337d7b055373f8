// Package gl rebuilds the normalized general ledger from raw mirrored
// transactions. Rebuilds are total: the GL for a transaction is derived from
// its latest raw payload alone, never patched incrementally.
package gl

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerbridge/ledgerbridge/internal/mirror"
)

// TxnFamily is the closed set of transaction document families. Posting
// direction is family-specific, matching double-entry sign conventions.
type TxnFamily int

const (
	FamilyJournalEntry TxnFamily = iota
	FamilyInvoice
	FamilySalesReceipt
	FamilyEstimate
	FamilyBill
	FamilyVendorCredit
	FamilyPayment
	FamilyCreditMemo
	FamilyUnknown
)

// FamilyOf maps an external transaction type name to its family.
func FamilyOf(txnType string) TxnFamily {
	switch txnType {
	case "JournalEntry":
		return FamilyJournalEntry
	case "Invoice":
		return FamilyInvoice
	case "SalesReceipt":
		return FamilySalesReceipt
	case "Estimate":
		return FamilyEstimate
	case "Bill":
		return FamilyBill
	case "VendorCredit":
		return FamilyVendorCredit
	case "Payment":
		return FamilyPayment
	case "CreditMemo":
		return FamilyCreditMemo
	default:
		return FamilyUnknown
	}
}

type posting int

const (
	postDebit posting = iota
	postCredit
	postExplicit
)

// direction returns the family's posting rule. Exhaustive over TxnFamily.
func (f TxnFamily) direction() posting {
	switch f {
	case FamilyJournalEntry:
		return postExplicit
	case FamilyInvoice, FamilySalesReceipt, FamilyEstimate:
		return postCredit
	case FamilyBill, FamilyVendorCredit, FamilyPayment, FamilyCreditMemo, FamilyUnknown:
		return postDebit
	}
	return postDebit
}

// Lookups maps external entity ids to local mirror ids.
type Lookups struct {
	Accounts  map[string]int64
	Customers map[string]int64
	Vendors   map[string]int64
}

type ref struct {
	Value string `json:"value"`
}

type lineDetail struct {
	PostingType    string `json:"PostingType"`
	AccountRef     *ref   `json:"AccountRef"`
	ItemAccountRef *ref   `json:"ItemAccountRef"`
}

type rawLine struct {
	Amount                        json.Number `json:"Amount"`
	DetailType                    string      `json:"DetailType"`
	Description                   string      `json:"Description"`
	JournalEntryLineDetail        *lineDetail `json:"JournalEntryLineDetail"`
	SalesItemLineDetail           *lineDetail `json:"SalesItemLineDetail"`
	AccountBasedExpenseLineDetail *lineDetail `json:"AccountBasedExpenseLineDetail"`
	ItemBasedExpenseLineDetail    *lineDetail `json:"ItemBasedExpenseLineDetail"`
}

func (l rawLine) detail() *lineDetail {
	switch {
	case l.JournalEntryLineDetail != nil:
		return l.JournalEntryLineDetail
	case l.SalesItemLineDetail != nil:
		return l.SalesItemLineDetail
	case l.AccountBasedExpenseLineDetail != nil:
		return l.AccountBasedExpenseLineDetail
	case l.ItemBasedExpenseLineDetail != nil:
		return l.ItemBasedExpenseLineDetail
	}
	return nil
}

func (d *lineDetail) accountRef() *ref {
	if d == nil {
		return nil
	}
	if d.AccountRef != nil {
		return d.AccountRef
	}
	return d.ItemAccountRef
}

type rawTransaction struct {
	TxnDate     string  `json:"TxnDate"`
	CurrencyRef *ref    `json:"CurrencyRef"`
	PrivateNote string  `json:"PrivateNote"`
	CustomerRef *ref    `json:"CustomerRef"`
	VendorRef   *ref    `json:"VendorRef"`
	Line        []rawLine `json:"Line"`
}

// Result is a rebuilt GL transaction plus the count of lines that posted
// with an unresolved reference. The caller surfaces that count to
// reconciliation instead of hiding it.
type Result struct {
	Transaction *mirror.GLTransaction
	Unresolved  int
}

// Normalize converts one raw transaction into balanced ledger lines.
// Transactions without line items produce no GL (Result.Transaction nil).
// Zero-amount and subtotal lines are skipped. A lookup miss posts the line
// with a nil reference rather than aborting it.
func Normalize(tenantID, transactionID int64, txnType string, raw json.RawMessage, lookups Lookups) (Result, error) {
	var txn rawTransaction
	if err := json.Unmarshal(raw, &txn); err != nil {
		return Result{}, fmt.Errorf("gl: normalize %s: %w", txnType, err)
	}
	if len(txn.Line) == 0 {
		return Result{}, nil
	}

	glTxn := &mirror.GLTransaction{
		TenantID:      tenantID,
		TransactionID: transactionID,
		TxnType:       txnType,
		TxnDate:       parseDate(txn.TxnDate),
		Currency:      refValue(txn.CurrencyRef),
		Memo:          txn.PrivateNote,
	}

	family := FamilyOf(txnType)
	unresolved := 0

	customerID := resolve(txn.CustomerRef, lookups.Customers)
	if txn.CustomerRef != nil && txn.CustomerRef.Value != "" && customerID == nil {
		unresolved++
	}
	vendorID := resolve(txn.VendorRef, lookups.Vendors)
	if txn.VendorRef != nil && txn.VendorRef.Value != "" && vendorID == nil {
		unresolved++
	}

	for _, line := range txn.Line {
		if line.DetailType == "SubTotalLineDetail" || line.DetailType == "SubtotalLineDetail" {
			continue
		}
		amount := amountOf(line.Amount)
		if amount.IsZero() {
			continue
		}

		detail := line.detail()
		glLine := mirror.GLLine{
			CustomerID: customerID,
			VendorID:   vendorID,
			Memo:       line.Description,
		}

		if acct := detail.accountRef(); acct != nil {
			if id, ok := lookups.Accounts[acct.Value]; ok {
				glLine.AccountID = &id
			}
		}
		if glLine.AccountID == nil {
			unresolved++
		}

		debit := true
		switch family.direction() {
		case postExplicit:
			debit = detail == nil || detail.PostingType != "Credit"
		case postCredit:
			debit = false
		case postDebit:
			debit = true
		}
		if debit {
			glLine.Debit = amount
			glLine.Credit = decimal.Zero
		} else {
			glLine.Credit = amount
			glLine.Debit = decimal.Zero
		}

		glTxn.Lines = append(glTxn.Lines, glLine)
	}

	if len(glTxn.Lines) == 0 {
		return Result{}, nil
	}
	return Result{Transaction: glTxn, Unresolved: unresolved}, nil
}

func parseDate(value string) time.Time {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func refValue(r *ref) string {
	if r == nil {
		return ""
	}
	return r.Value
}

func resolve(r *ref, lookup map[string]int64) *int64 {
	if r == nil || r.Value == "" {
		return nil
	}
	if id, ok := lookup[r.Value]; ok {
		return &id
	}
	return nil
}

func amountOf(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(num.String())
	if err != nil {
		return decimal.Zero
	}
	return d.Abs()
}
