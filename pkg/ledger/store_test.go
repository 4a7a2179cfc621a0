package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAccountFilter_Matches(t *testing.T) {
	account := &Account{
		ID:                   "A",
		PendingTransactions:  []string{"t1"},
		CanceledTransactions: []string{"t9"},
		SettledTransactions:  []string{"t5"},
	}

	tests := []struct {
		name     string
		filter   AccountFilter
		expected bool
	}{
		{"id only", AccountFilter{ID: "A"}, true},
		{"wrong id", AccountFilter{ID: "B"}, false},
		{"pending has", AccountFilter{ID: "A", PendingHas: "t1"}, true},
		{"pending has missing", AccountFilter{ID: "A", PendingHas: "t2"}, false},
		{"pending lacks", AccountFilter{ID: "A", PendingLacks: "t2"}, true},
		{"pending lacks present", AccountFilter{ID: "A", PendingLacks: "t1"}, false},
		{"unfenced", AccountFilter{ID: "A", Unfenced: "t1"}, true},
		{"fenced", AccountFilter{ID: "A", Unfenced: "t9"}, false},
		{"unsettled", AccountFilter{ID: "A", Unsettled: "t1"}, true},
		{"settled", AccountFilter{ID: "A", Unsettled: "t5"}, false},
		{"apply guard", AccountFilter{ID: "A", PendingLacks: "t2", Unfenced: "t2", Unsettled: "t2"}, true},
		{"apply guard after clear", AccountFilter{ID: "A", PendingLacks: "t5", Unfenced: "t5", Unsettled: "t5"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(account); got != tt.expected {
				t.Errorf("Matches() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAccountMutation_Apply(t *testing.T) {
	account := &Account{ID: "A", Balance: decimal.NewFromInt(1000)}

	changed := AccountMutation{BalanceDelta: decimal.NewFromInt(-100), PushPending: "t1"}.Apply(account)
	if !changed {
		t.Fatal("Expected apply to report a change")
	}
	if !account.Balance.Equal(decimal.NewFromInt(900)) {
		t.Errorf("Expected balance 900, got %s", account.Balance)
	}
	if !account.HasPending("t1") {
		t.Error("Expected t1 in pending set")
	}

	// Pushing an id that is already present adds nothing
	if (AccountMutation{PushPending: "t1"}).Apply(account) {
		t.Error("Expected duplicate push to be a no-op")
	}
	if len(account.PendingTransactions) != 1 {
		t.Errorf("Expected 1 pending id, got %v", account.PendingTransactions)
	}

	if !(AccountMutation{PullPending: "t1", PushFence: "t1"}).Apply(account) {
		t.Error("Expected pull+fence to report a change")
	}
	if account.HasPending("t1") || !account.IsFenced("t1") {
		t.Errorf("Unexpected sets: pending=%v fences=%v", account.PendingTransactions, account.CanceledTransactions)
	}
}

func TestAccountMutation_ApplyClear(t *testing.T) {
	account := &Account{ID: "A", Balance: decimal.NewFromInt(900), PendingTransactions: []string{"t1"}}

	settle := AccountMutation{PullPending: "t1", PushSettled: "t1"}
	if !settle.Apply(account) {
		t.Fatal("Expected clear to report a change")
	}
	if account.HasPending("t1") || !account.IsSettled("t1") {
		t.Errorf("Unexpected sets: pending=%v settled=%v", account.PendingTransactions, account.SettledTransactions)
	}
	if settle.Apply(account) {
		t.Error("Expected repeated clear to be a no-op")
	}
	if len(account.SettledTransactions) != 1 {
		t.Errorf("Expected 1 settled id, got %v", account.SettledTransactions)
	}

	clone := account.Clone()
	clone.SettledTransactions[0] = "other"
	if !account.IsSettled("t1") {
		t.Error("Clone shares the settled set with the original")
	}
}

func TestTransactionMutation_Apply(t *testing.T) {
	now := time.Now()
	txn := &Transaction{ID: "t1", State: StatePending}

	if !(TransactionMutation{State: StateCanceling, CanceledFrom: StatePending, LastModified: now}).Apply(txn) {
		t.Fatal("Expected mutation to report a change")
	}
	if txn.State != StateCanceling || txn.CanceledFrom != StatePending || !txn.LastModified.Equal(now) {
		t.Errorf("Unexpected transaction after mutation: %+v", txn)
	}
	if (TransactionMutation{State: StateCanceling}).Apply(txn) {
		t.Error("Expected identical mutation to be a no-op")
	}
}

func TestTransactionQuery_Matches(t *testing.T) {
	now := time.Now()
	stale := &Transaction{ID: "t1", State: StatePending, LastModified: now.Add(-time.Hour)}
	fresh := &Transaction{ID: "t2", State: StatePending, LastModified: now}
	flagged := &Transaction{ID: "t3", State: StateApplied, LastModified: now.Add(-time.Hour), Flag: "bad"}
	done := &Transaction{ID: "t4", State: StateDone, LastModified: now.Add(-time.Hour)}

	q := TransactionQuery{
		States:         []State{StatePending, StateApplied},
		ModifiedBefore: now.Add(-30 * time.Minute),
		ExcludeFlagged: true,
	}

	if !q.Matches(stale) {
		t.Error("Expected stale pending transaction to match")
	}
	if q.Matches(fresh) {
		t.Error("Expected fresh transaction not to match")
	}
	if q.Matches(flagged) {
		t.Error("Expected flagged transaction not to match")
	}
	if q.Matches(done) {
		t.Error("Expected done transaction not to match")
	}
	if !(TransactionQuery{}).Matches(done) {
		t.Error("Expected empty query to match everything")
	}
}
