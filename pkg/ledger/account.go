package ledger

import "github.com/shopspring/decimal"

// Account is a balance holder that participates in transfers.
type Account struct {
	ID      string
	Balance decimal.Decimal

	// PendingTransactions holds the ids of transactions whose delta has been
	// applied to Balance but not yet cleared.
	PendingTransactions []string

	// CanceledTransactions holds fences: ids of canceled transactions that
	// must never be applied to, or compensated on, this account again.
	CanceledTransactions []string

	// SettledTransactions holds ids of transactions that were applied to and
	// then cleared from this account. A settled id is never applied again.
	SettledTransactions []string
}

// HasPending reports whether txnID is in the pending set.
func (a *Account) HasPending(txnID string) bool {
	return containsID(a.PendingTransactions, txnID)
}

// IsFenced reports whether txnID was canceled against this account.
func (a *Account) IsFenced(txnID string) bool {
	return containsID(a.CanceledTransactions, txnID)
}

// IsSettled reports whether txnID was applied and cleared on this account.
func (a *Account) IsSettled(txnID string) bool {
	return containsID(a.SettledTransactions, txnID)
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	c := *a
	c.PendingTransactions = append([]string(nil), a.PendingTransactions...)
	c.CanceledTransactions = append([]string(nil), a.CanceledTransactions...)
	c.SettledTransactions = append([]string(nil), a.SettledTransactions...)
	return &c
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
