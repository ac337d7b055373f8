package gl

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func lookups() Lookups {
	return Lookups{
		Accounts:  map[string]int64{"80": 801, "81": 811, "82": 821},
		Customers: map[string]int64{"7": 107},
		Vendors:   map[string]int64{"9": 109},
	}
}

func TestNormalizeJournalEntryBalances(t *testing.T) {
	raw := json.RawMessage(`{
		"TxnDate": "2026-03-01",
		"CurrencyRef": {"value": "USD"},
		"Line": [
			{"Amount": 250.75, "DetailType": "JournalEntryLineDetail",
				"JournalEntryLineDetail": {"PostingType": "Debit", "AccountRef": {"value": "80"}}},
			{"Amount": 250.75, "DetailType": "JournalEntryLineDetail",
				"JournalEntryLineDetail": {"PostingType": "Credit", "AccountRef": {"value": "81"}}}
		]
	}`)

	res, err := Normalize(1, 42, "JournalEntry", raw, lookups())
	require.NoError(t, err)
	require.NotNil(t, res.Transaction)
	require.Len(t, res.Transaction.Lines, 2)
	require.Zero(t, res.Unresolved)

	debits, credits := decimal.Zero, decimal.Zero
	for _, line := range res.Transaction.Lines {
		debits = debits.Add(line.Debit)
		credits = credits.Add(line.Credit)
		// exactly one side non-zero
		require.True(t, line.Debit.IsZero() != line.Credit.IsZero())
	}
	require.True(t, debits.Equal(credits), "debits %s credits %s", debits, credits)
	require.True(t, debits.Equal(decimal.RequireFromString("250.75")))
}

func TestNormalizeInvoicePostsCredits(t *testing.T) {
	raw := json.RawMessage(`{
		"TxnDate": "2026-03-05",
		"CustomerRef": {"value": "7"},
		"Line": [
			{"Amount": 100.00, "DetailType": "SalesItemLineDetail",
				"SalesItemLineDetail": {"ItemAccountRef": {"value": "80"}}},
			{"Amount": 50.00, "DetailType": "SalesItemLineDetail",
				"SalesItemLineDetail": {"ItemAccountRef": {"value": "81"}}},
			{"Amount": 150.00, "DetailType": "SubTotalLineDetail"}
		]
	}`)

	res, err := Normalize(1, 43, "Invoice", raw, lookups())
	require.NoError(t, err)
	require.NotNil(t, res.Transaction)
	require.Len(t, res.Transaction.Lines, 2)

	first, second := res.Transaction.Lines[0], res.Transaction.Lines[1]
	require.True(t, first.Credit.Equal(decimal.RequireFromString("100")))
	require.True(t, second.Credit.Equal(decimal.RequireFromString("50")))
	require.True(t, first.Debit.IsZero())
	require.True(t, second.Debit.IsZero())
	require.Equal(t, int64(801), *first.AccountID)
	require.Equal(t, int64(811), *second.AccountID)
	require.Equal(t, int64(107), *first.CustomerID)
}

func TestNormalizeBillPostsDebits(t *testing.T) {
	raw := json.RawMessage(`{
		"TxnDate": "2026-03-06",
		"VendorRef": {"value": "9"},
		"Line": [
			{"Amount": 75.25, "DetailType": "AccountBasedExpenseLineDetail",
				"AccountBasedExpenseLineDetail": {"AccountRef": {"value": "82"}}}
		]
	}`)

	res, err := Normalize(1, 44, "Bill", raw, lookups())
	require.NoError(t, err)
	require.Len(t, res.Transaction.Lines, 1)
	line := res.Transaction.Lines[0]
	require.True(t, line.Debit.Equal(decimal.RequireFromString("75.25")))
	require.True(t, line.Credit.IsZero())
	require.Equal(t, int64(109), *line.VendorID)
}

func TestNormalizeUnknownTypeFallsBackToDebit(t *testing.T) {
	raw := json.RawMessage(`{
		"TxnDate": "2026-03-07",
		"Line": [{"Amount": 10, "DetailType": "SalesItemLineDetail",
			"SalesItemLineDetail": {"ItemAccountRef": {"value": "80"}}}]
	}`)

	res, err := Normalize(1, 45, "RefundReceipt", raw, lookups())
	require.NoError(t, err)
	require.Len(t, res.Transaction.Lines, 1)
	require.False(t, res.Transaction.Lines[0].Debit.IsZero())
}

func TestNormalizeSkipsZeroAmountLines(t *testing.T) {
	raw := json.RawMessage(`{
		"TxnDate": "2026-03-08",
		"Line": [
			{"Amount": 0, "DetailType": "SalesItemLineDetail",
				"SalesItemLineDetail": {"ItemAccountRef": {"value": "80"}}},
			{"Amount": 20, "DetailType": "SalesItemLineDetail",
				"SalesItemLineDetail": {"ItemAccountRef": {"value": "81"}}}
		]
	}`)

	res, err := Normalize(1, 46, "Invoice", raw, lookups())
	require.NoError(t, err)
	require.Len(t, res.Transaction.Lines, 1)
}

func TestNormalizeNoLinesProducesNoGL(t *testing.T) {
	res, err := Normalize(1, 47, "Payment", json.RawMessage(`{"TxnDate": "2026-03-09"}`), lookups())
	require.NoError(t, err)
	require.Nil(t, res.Transaction)
	require.Zero(t, res.Unresolved)
}

func TestNormalizeLookupMissPostsNilReference(t *testing.T) {
	raw := json.RawMessage(`{
		"TxnDate": "2026-03-10",
		"CustomerRef": {"value": "no-such-customer"},
		"Line": [{"Amount": 30, "DetailType": "SalesItemLineDetail",
			"SalesItemLineDetail": {"ItemAccountRef": {"value": "no-such-account"}}}]
	}`)

	res, err := Normalize(1, 48, "Invoice", raw, lookups())
	require.NoError(t, err)
	require.Len(t, res.Transaction.Lines, 1)
	line := res.Transaction.Lines[0]
	require.Nil(t, line.AccountID)
	require.Nil(t, line.CustomerID)
	// one miss for the account, one for the transaction-level customer
	require.Equal(t, 2, res.Unresolved)
	// the line still posts with its amount
	require.True(t, line.Credit.Equal(decimal.RequireFromString("30")))
}

func TestFamilyOfCoversKnownTypes(t *testing.T) {
	cases := map[string]TxnFamily{
		"JournalEntry": FamilyJournalEntry,
		"Invoice":      FamilyInvoice,
		"SalesReceipt": FamilySalesReceipt,
		"Estimate":     FamilyEstimate,
		"Bill":         FamilyBill,
		"VendorCredit": FamilyVendorCredit,
		"Payment":      FamilyPayment,
		"CreditMemo":   FamilyCreditMemo,
		"Transfer":     FamilyUnknown,
	}
	for txnType, want := range cases {
		require.Equal(t, want, FamilyOf(txnType), txnType)
	}
}
