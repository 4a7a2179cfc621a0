package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the record store the protocol runs on. Implementations only need
// single-record atomicity: every Update call must evaluate its filter and
// apply its mutation to one record atomically.
type Store interface {
	// InsertAccount creates an account. Returns ErrDuplicate if the id exists.
	InsertAccount(ctx context.Context, account *Account) error

	// GetAccount reads an account. Returns ErrAccountNotFound if missing.
	GetAccount(ctx context.Context, id string) (*Account, error)

	// InsertTransaction creates a transaction record. Returns ErrDuplicate if
	// the id exists.
	InsertTransaction(ctx context.Context, txn *Transaction) error

	// GetTransaction reads a transaction. Returns ErrNotFound if missing.
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// UpdateTransaction applies mutation to the transaction matching filter.
	UpdateTransaction(ctx context.Context, filter TransactionFilter, mutation TransactionMutation) (UpdateResult, error)

	// UpdateAccount applies mutation to the account matching filter.
	UpdateAccount(ctx context.Context, filter AccountFilter, mutation AccountMutation) (UpdateResult, error)

	// FindTransactions returns transactions matching query, oldest
	// LastModified first.
	FindTransactions(ctx context.Context, query TransactionQuery) ([]Transaction, error)

	// Name identifies the backend in logs and metrics.
	Name() string

	// Close releases backend resources.
	Close() error
}

// UpdateResult reports the outcome of a conditional update.
type UpdateResult struct {
	Matched  int64
	Modified int64
}

// TransactionFilter selects a transaction by id and, optionally, by its
// current state.
type TransactionFilter struct {
	ID string

	// State, when set, is the guard: the update only applies if the record
	// is currently in this state.
	State State
}

// Matches reports whether txn satisfies the filter.
func (f TransactionFilter) Matches(txn *Transaction) bool {
	if txn.ID != f.ID {
		return false
	}
	return f.State == "" || txn.State == f.State
}

// TransactionMutation describes the fields an update writes. Zero-valued
// fields are left untouched.
type TransactionMutation struct {
	State        State
	LastModified time.Time
	CanceledFrom State
	Flag         string
}

// Apply writes the mutation onto txn and reports whether anything changed.
func (m TransactionMutation) Apply(txn *Transaction) bool {
	changed := false
	if m.State != "" && txn.State != m.State {
		txn.State = m.State
		changed = true
	}
	if !m.LastModified.IsZero() && !txn.LastModified.Equal(m.LastModified) {
		txn.LastModified = m.LastModified
		changed = true
	}
	if m.CanceledFrom != "" && txn.CanceledFrom != m.CanceledFrom {
		txn.CanceledFrom = m.CanceledFrom
		changed = true
	}
	if m.Flag != "" && txn.Flag != m.Flag {
		txn.Flag = m.Flag
		changed = true
	}
	return changed
}

// AccountFilter selects an account by id, guarded on pending, fence and
// settled set membership. Empty guard fields are not checked.
type AccountFilter struct {
	ID string

	// PendingHas requires the id to be in PendingTransactions.
	PendingHas string

	// PendingLacks requires the id to be absent from PendingTransactions.
	PendingLacks string

	// Unfenced requires the id to be absent from CanceledTransactions.
	Unfenced string

	// Unsettled requires the id to be absent from SettledTransactions.
	Unsettled string
}

// Matches reports whether account satisfies the filter.
func (f AccountFilter) Matches(account *Account) bool {
	if account.ID != f.ID {
		return false
	}
	if f.PendingHas != "" && !account.HasPending(f.PendingHas) {
		return false
	}
	if f.PendingLacks != "" && account.HasPending(f.PendingLacks) {
		return false
	}
	if f.Unfenced != "" && account.IsFenced(f.Unfenced) {
		return false
	}
	if f.Unsettled != "" && account.IsSettled(f.Unsettled) {
		return false
	}
	return true
}

// AccountMutation describes an account update. Zero-valued fields are left
// untouched.
type AccountMutation struct {
	BalanceDelta decimal.Decimal
	PushPending  string
	PullPending  string
	PushFence    string
	PushSettled  string
}

// Apply writes the mutation onto account and reports whether anything
// changed. Push operations do not add duplicates.
func (m AccountMutation) Apply(account *Account) bool {
	changed := false
	if !m.BalanceDelta.IsZero() {
		account.Balance = account.Balance.Add(m.BalanceDelta)
		changed = true
	}
	if m.PullPending != "" && account.HasPending(m.PullPending) {
		account.PendingTransactions = removeID(account.PendingTransactions, m.PullPending)
		changed = true
	}
	if m.PushPending != "" && !account.HasPending(m.PushPending) {
		account.PendingTransactions = append(account.PendingTransactions, m.PushPending)
		changed = true
	}
	if m.PushFence != "" && !account.IsFenced(m.PushFence) {
		account.CanceledTransactions = append(account.CanceledTransactions, m.PushFence)
		changed = true
	}
	if m.PushSettled != "" && !account.IsSettled(m.PushSettled) {
		account.SettledTransactions = append(account.SettledTransactions, m.PushSettled)
		changed = true
	}
	return changed
}

// TransactionQuery is a range read over transactions.
type TransactionQuery struct {
	// States restricts results to these states. Empty means any state.
	States []State

	// ModifiedBefore, when set, keeps only records with LastModified
	// strictly before it.
	ModifiedBefore time.Time

	// ExcludeFlagged drops records whose recovery was halted.
	ExcludeFlagged bool

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Matches reports whether txn satisfies the query predicate.
func (q TransactionQuery) Matches(txn *Transaction) bool {
	if len(q.States) > 0 {
		found := false
		for _, s := range q.States {
			if txn.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.ModifiedBefore.IsZero() && !txn.LastModified.Before(q.ModifiedBefore) {
		return false
	}
	if q.ExcludeFlagged && txn.IsFlagged() {
		return false
	}
	return true
}

func removeID(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
