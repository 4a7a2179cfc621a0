package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"ledger-saga/pkg/ledger"

	"github.com/shopspring/decimal"
)

func newStoreWithAccounts(t *testing.T) *MemoryStore {
	t.Helper()

	store := NewMemoryStore(MemoryStoreConfig{Name: "test"})
	ctx := context.Background()
	for _, id := range []string{"A", "B"} {
		if err := store.InsertAccount(ctx, &ledger.Account{ID: id, Balance: decimal.NewFromInt(1000)}); err != nil {
			t.Fatalf("InsertAccount(%s) failed: %v", id, err)
		}
	}
	return store
}

func TestNewMemoryStore_DefaultName(t *testing.T) {
	store := NewMemoryStore(MemoryStoreConfig{})
	if store.Name() != "memory" {
		t.Errorf("Expected default name 'memory', got '%s'", store.Name())
	}
}

func TestMemoryStore_InsertDuplicate(t *testing.T) {
	store := newStoreWithAccounts(t)
	ctx := context.Background()

	err := store.InsertAccount(ctx, &ledger.Account{ID: "A"})
	if err != ledger.ErrDuplicate {
		t.Errorf("Expected ErrDuplicate for account, got %v", err)
	}

	txn := &ledger.Transaction{ID: "t1", Source: "A", Destination: "B", Amount: decimal.NewFromInt(1), State: ledger.StateInitial}
	if err := store.InsertTransaction(ctx, txn); err != nil {
		t.Fatalf("InsertTransaction failed: %v", err)
	}
	if err := store.InsertTransaction(ctx, txn); err != ledger.ErrDuplicate {
		t.Errorf("Expected ErrDuplicate for transaction, got %v", err)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := newStoreWithAccounts(t)
	ctx := context.Background()

	if _, err := store.GetAccount(ctx, "Z"); err != ledger.ErrAccountNotFound {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
	if _, err := store.GetTransaction(ctx, "missing"); err != ledger.ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := newStoreWithAccounts(t)
	ctx := context.Background()

	account, _ := store.GetAccount(ctx, "A")
	account.Balance = decimal.NewFromInt(0)
	account.PendingTransactions = append(account.PendingTransactions, "leak")

	again, _ := store.GetAccount(ctx, "A")
	if !again.Balance.Equal(decimal.NewFromInt(1000)) || len(again.PendingTransactions) != 0 {
		t.Errorf("Store state was modified through a returned copy: %+v", again)
	}
}

func TestMemoryStore_UpdateTransactionGuard(t *testing.T) {
	store := newStoreWithAccounts(t)
	ctx := context.Background()

	store.InsertTransaction(ctx, &ledger.Transaction{ID: "t1", State: ledger.StateInitial})

	res, err := store.UpdateTransaction(ctx,
		ledger.TransactionFilter{ID: "t1", State: ledger.StateInitial},
		ledger.TransactionMutation{State: ledger.StatePending, LastModified: time.Now()},
	)
	if err != nil {
		t.Fatalf("UpdateTransaction failed: %v", err)
	}
	if res.Matched != 1 || res.Modified != 1 {
		t.Errorf("Expected 1/1, got %+v", res)
	}

	// Same guard again no longer matches
	res, _ = store.UpdateTransaction(ctx,
		ledger.TransactionFilter{ID: "t1", State: ledger.StateInitial},
		ledger.TransactionMutation{State: ledger.StatePending, LastModified: time.Now()},
	)
	if res.Matched != 0 {
		t.Errorf("Expected guard mismatch, got %+v", res)
	}

	// Unknown id matches nothing and is not an error
	res, err = store.UpdateTransaction(ctx, ledger.TransactionFilter{ID: "nope"}, ledger.TransactionMutation{State: ledger.StateDone})
	if err != nil || res.Matched != 0 {
		t.Errorf("Expected 0 matched and no error, got %+v %v", res, err)
	}
}

func TestMemoryStore_UpdateAccountIsIdempotentUnderGuard(t *testing.T) {
	store := newStoreWithAccounts(t)
	ctx := context.Background()

	filter := ledger.AccountFilter{ID: "A", PendingLacks: "t1", Unfenced: "t1"}
	mutation := ledger.AccountMutation{BalanceDelta: decimal.NewFromInt(-100), PushPending: "t1"}

	for i := 0; i < 3; i++ {
		res, err := store.UpdateAccount(ctx, filter, mutation)
		if err != nil {
			t.Fatalf("UpdateAccount failed: %v", err)
		}
		if i == 0 && res.Matched != 1 {
			t.Errorf("Expected first apply to match, got %+v", res)
		}
		if i > 0 && res.Matched != 0 {
			t.Errorf("Expected replay %d to be rejected by guard, got %+v", i, res)
		}
	}

	account, _ := store.GetAccount(ctx, "A")
	if !account.Balance.Equal(decimal.NewFromInt(900)) {
		t.Errorf("Expected balance 900 after replays, got %s", account.Balance)
	}
}

func TestMemoryStore_ConcurrentGuardedUpdates(t *testing.T) {
	store := newStoreWithAccounts(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	executed := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.UpdateAccount(ctx,
				ledger.AccountFilter{ID: "B", PendingLacks: "t1"},
				ledger.AccountMutation{BalanceDelta: decimal.NewFromInt(100), PushPending: "t1"},
			)
			if err != nil {
				t.Errorf("UpdateAccount failed: %v", err)
				return
			}
			mu.Lock()
			executed += int(res.Matched)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if executed != 1 {
		t.Errorf("Expected exactly 1 executed update, got %d", executed)
	}
	account, _ := store.GetAccount(ctx, "B")
	if !account.Balance.Equal(decimal.NewFromInt(1100)) {
		t.Errorf("Expected balance 1100, got %s", account.Balance)
	}
}

func TestMemoryStore_FindTransactions(t *testing.T) {
	store := newStoreWithAccounts(t)
	ctx := context.Background()
	now := time.Now()

	records := []ledger.Transaction{
		{ID: "old-pending", State: ledger.StatePending, LastModified: now.Add(-2 * time.Hour)},
		{ID: "older-applied", State: ledger.StateApplied, LastModified: now.Add(-3 * time.Hour)},
		{ID: "fresh-pending", State: ledger.StatePending, LastModified: now},
		{ID: "old-done", State: ledger.StateDone, LastModified: now.Add(-3 * time.Hour)},
	}
	for i := range records {
		store.InsertTransaction(ctx, &records[i])
	}

	found, err := store.FindTransactions(ctx, ledger.TransactionQuery{
		States:         []ledger.State{ledger.StatePending, ledger.StateApplied},
		ModifiedBefore: now.Add(-30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("FindTransactions failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("Expected 2 stale transactions, got %d", len(found))
	}
	if found[0].ID != "older-applied" || found[1].ID != "old-pending" {
		t.Errorf("Expected oldest first, got %s, %s", found[0].ID, found[1].ID)
	}

	limited, _ := store.FindTransactions(ctx, ledger.TransactionQuery{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("Expected limit to cap results at 1, got %d", len(limited))
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	store := newStoreWithAccounts(t)
	store.Close()

	_, err := store.GetAccount(context.Background(), "A")
	if err != ledger.ErrStoreUnavailable {
		t.Errorf("Expected ErrStoreUnavailable after Close, got %v", err)
	}
}

func TestMemoryStore_ContextCanceled(t *testing.T) {
	store := newStoreWithAccounts(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.UpdateAccount(ctx, ledger.AccountFilter{ID: "A"}, ledger.AccountMutation{}); err == nil {
		t.Error("Expected error for canceled context")
	}
}
