package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ledger-saga/pkg/events"
	"ledger-saga/pkg/ledger"
	"ledger-saga/pkg/ledger/memory"
	"ledger-saga/pkg/ledger/mock"
	metricsmem "ledger-saga/pkg/metrics/memory"

	"github.com/shopspring/decimal"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return epoch }

func newStore(t *testing.T, balances map[string]int64) *memory.MemoryStore {
	t.Helper()
	store := memory.NewMemoryStore(memory.MemoryStoreConfig{Name: "test"})
	for id, balance := range balances {
		err := store.InsertAccount(context.Background(), &ledger.Account{ID: id, Balance: decimal.NewFromInt(balance)})
		if err != nil {
			t.Fatalf("InsertAccount(%s) failed: %v", id, err)
		}
	}
	return store
}

func assertAccount(t *testing.T, store ledger.Store, id string, balance int64) {
	t.Helper()
	acct, err := store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount(%s) failed: %v", id, err)
	}
	if !acct.Balance.Equal(decimal.NewFromInt(balance)) {
		t.Errorf("Account %s: expected balance %d, got %s", id, balance, acct.Balance)
	}
	if len(acct.PendingTransactions) != 0 {
		t.Errorf("Account %s: expected empty pending set, got %v", id, acct.PendingTransactions)
	}
}

func TestCoordinator_Create_Validation(t *testing.T) {
	tests := []struct {
		name        string
		source      string
		destination string
		amount      int64
	}{
		{"zero amount", "A", "B", 0},
		{"negative amount", "A", "B", -5},
		{"same account", "A", "A", 10},
		{"empty source", "", "B", 10},
		{"unknown destination", "A", "Z", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t, map[string]int64{"A": 1000, "B": 1000})
			c := New(store, Config{Clock: fixedClock})

			_, err := c.Create(context.Background(), tt.source, tt.destination, decimal.NewFromInt(tt.amount))
			if !ledger.IsValidation(err) {
				t.Fatalf("Expected ErrValidation, got %v", err)
			}
			if _, txns := store.Len(); txns != 0 {
				t.Errorf("Rejected request was persisted (%d transactions)", txns)
			}
		})
	}
}

func TestCoordinator_Create(t *testing.T) {
	store := newStore(t, map[string]int64{"A": 1000, "B": 1000})
	c := New(store, Config{Clock: fixedClock})

	txn, err := c.Create(context.Background(), "A", "B", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if txn.ID == "" {
		t.Error("Expected an id to be assigned")
	}
	if txn.State != ledger.StateInitial {
		t.Errorf("Expected initial state, got %s", txn.State)
	}
	if !txn.LastModified.Equal(epoch) || !txn.CreatedAt.Equal(epoch) {
		t.Errorf("Expected timestamps from the clock, got %v / %v", txn.LastModified, txn.CreatedAt)
	}

	// Accounts are untouched until Advance
	assertAccount(t, store, "A", 1000)
	assertAccount(t, store, "B", 1000)
}

func TestCoordinator_Create_InsertCommittedBeforeFailure(t *testing.T) {
	tests := []struct {
		name    string
		stored  func(txn ledger.Transaction) ledger.Transaction
		wantErr bool
	}{
		{
			name:   "own record",
			stored: func(txn ledger.Transaction) ledger.Transaction { return txn },
		},
		{
			name: "different record",
			stored: func(txn ledger.Transaction) ledger.Transaction {
				txn.Amount = decimal.NewFromInt(999)
				return txn
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t, map[string]int64{"A": 1000, "B": 1000})
			// The insert lands but the caller only sees the retry's answer
			backend := &mock.MockStore{
				Backend: store,
				InsertTransactionFunc: func(ctx context.Context, txn *ledger.Transaction) error {
					stored := tt.stored(*txn)
					if err := store.InsertTransaction(ctx, &stored); err != nil {
						return err
					}
					return ledger.WrapError(ledger.ErrDuplicate, "test", "insert_transaction")
				},
			}
			c := New(backend, Config{Clock: fixedClock})

			txn, err := c.Create(context.Background(), "A", "B", decimal.NewFromInt(100))
			if tt.wantErr {
				if !errors.Is(err, ledger.ErrDuplicate) {
					t.Fatalf("Expected ErrDuplicate, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if txn.State != ledger.StateInitial || !txn.Amount.Equal(decimal.NewFromInt(100)) {
				t.Errorf("Unexpected transaction: %+v", txn)
			}
			if _, txns := store.Len(); txns != 1 {
				t.Errorf("Expected 1 stored transaction, got %d", txns)
			}

			done, err := c.Advance(context.Background(), txn.ID)
			if err != nil || done.State != ledger.StateDone {
				t.Fatalf("Advance after recovered create: %v %v", done, err)
			}
		})
	}
}

func TestCoordinator_Advance_HappyPath(t *testing.T) {
	store := newStore(t, map[string]int64{"A": 1000, "B": 1000})
	recorder := &events.Recorder{}
	collector := metricsmem.NewMemoryCollector()
	c := New(store, Config{Clock: fixedClock, Publisher: recorder, Metrics: collector})
	ctx := context.Background()

	txn, err := c.Create(ctx, "A", "B", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	done, err := c.Advance(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if done.State != ledger.StateDone {
		t.Fatalf("Expected done, got %s", done.State)
	}

	assertAccount(t, store, "A", 900)
	assertAccount(t, store, "B", 1100)

	if recorder.Count(events.TypeTransferCompleted) != 1 {
		t.Errorf("Expected 1 completed event, got %d", recorder.Count(events.TypeTransferCompleted))
	}

	for _, tr := range [][2]string{{"initial", "pending"}, {"pending", "applied"}, {"applied", "done"}} {
		if collector.Transitions(tr[0], tr[1]) != 1 {
			t.Errorf("Expected transition %s->%s once", tr[0], tr[1])
		}
	}
	if step := collector.GetStepMetrics(StepApply); step == nil || step.Executed != 2 {
		t.Errorf("Expected 2 executed apply steps, got %+v", step)
	}
}

func TestCoordinator_Advance_Idempotent(t *testing.T) {
	store := newStore(t, map[string]int64{"A": 1000, "B": 1000})
	recorder := &events.Recorder{}
	c := New(store, Config{Clock: fixedClock, Publisher: recorder})
	ctx := context.Background()

	txn, _ := c.Create(ctx, "A", "B", decimal.NewFromInt(100))

	for i := 0; i < 5; i++ {
		got, err := c.Advance(ctx, txn.ID)
		if err != nil {
			t.Fatalf("Advance #%d failed: %v", i+1, err)
		}
		if got.State != ledger.StateDone {
			t.Fatalf("Advance #%d: expected done, got %s", i+1, got.State)
		}
	}

	assertAccount(t, store, "A", 900)
	assertAccount(t, store, "B", 1100)

	if recorder.Count(events.TypeTransferCompleted) != 1 {
		t.Errorf("Expected exactly 1 completed event, got %d", recorder.Count(events.TypeTransferCompleted))
	}
}

func TestCoordinator_Advance_ConcurrentDoubleInvocation(t *testing.T) {
	for round := 0; round < 20; round++ {
		store := newStore(t, map[string]int64{"A": 1000, "B": 1000})
		// Two coordinators share nothing but the store
		c1 := New(store, Config{Clock: fixedClock})
		c2 := New(store, Config{Clock: fixedClock})
		ctx := context.Background()

		txn, err := c1.Create(ctx, "A", "B", decimal.NewFromInt(100))
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			c := c1
			if i%2 == 1 {
				c = c2
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := c.Advance(ctx, txn.ID); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Fatalf("round %d: concurrent Advance failed: %v", round, err)
		}

		final, _ := store.GetTransaction(ctx, txn.ID)
		if final.State != ledger.StateDone {
			t.Fatalf("round %d: expected done, got %s", round, final.State)
		}
		assertAccount(t, store, "A", 900)
		assertAccount(t, store, "B", 1100)
	}
}

// TestCoordinator_Advance_DelayedDriverDoesNotReapply has one driver read
// pending, then lets another driver finish the whole transfer before that
// read returns. The delayed driver must not apply the deltas a second time.
func TestCoordinator_Advance_DelayedDriverDoesNotReapply(t *testing.T) {
	store := newStore(t, map[string]int64{"A": 1000, "B": 1000})
	recorder := &events.Recorder{}
	fast := New(store, Config{Clock: fixedClock, Publisher: recorder})
	ctx := context.Background()

	txn, err := fast.Create(ctx, "A", "B", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_, err = store.UpdateTransaction(ctx,
		ledger.TransactionFilter{ID: txn.ID, State: ledger.StateInitial},
		ledger.TransactionMutation{State: ledger.StatePending, LastModified: epoch},
	)
	if err != nil {
		t.Fatalf("UpdateTransaction failed: %v", err)
	}

	var reads int64
	delayed := &mock.MockStore{
		Backend: store,
		GetTransactionFunc: func(ctx context.Context, id string) (*ledger.Transaction, error) {
			snapshot, err := store.GetTransaction(ctx, id)
			if err != nil || atomic.AddInt64(&reads, 1) > 1 {
				return snapshot, err
			}
			if _, err := fast.Advance(ctx, id); err != nil {
				t.Errorf("fast Advance failed: %v", err)
			}
			return snapshot, nil
		},
	}
	slow := New(delayed, Config{Clock: fixedClock, Publisher: recorder})

	got, err := slow.Advance(ctx, txn.ID)
	if err != nil {
		t.Fatalf("slow Advance failed: %v", err)
	}
	if got.State != ledger.StateDone {
		t.Errorf("Expected done, got %s", got.State)
	}

	assertAccount(t, store, "A", 900)
	assertAccount(t, store, "B", 1100)
	for _, id := range []string{"A", "B"} {
		acct, _ := store.GetAccount(ctx, id)
		if !acct.IsSettled(txn.ID) {
			t.Errorf("Account %s: expected %s in settled set, got %v", id, txn.ID, acct.SettledTransactions)
		}
	}
	if recorder.Count(events.TypeTransferCompleted) != 1 {
		t.Errorf("Expected exactly 1 completed event, got %d", recorder.Count(events.TypeTransferCompleted))
	}
}

func TestCoordinator_Advance_ResumesFromPartialState(t *testing.T) {
	tests := []struct {
		name  string
		state ledger.State
		setup func(store *memory.MemoryStore, id string)
	}{
		{
			name:  "pending before any apply",
			state: ledger.StatePending,
			setup: func(store *memory.MemoryStore, id string) {},
		},
		{
			name:  "pending with source applied",
			state: ledger.StatePending,
			setup: func(store *memory.MemoryStore, id string) {
				applyDelta(store, "A", id, -100)
			},
		},
		{
			name:  "applied with source cleared",
			state: ledger.StateApplied,
			setup: func(store *memory.MemoryStore, id string) {
				applyDelta(store, "A", id, -100)
				applyDelta(store, "B", id, 100)
				clearPending(store, "A", id)
			},
		},
		{
			name:  "applied before clear",
			state: ledger.StateApplied,
			setup: func(store *memory.MemoryStore, id string) {
				applyDelta(store, "A", id, -100)
				applyDelta(store, "B", id, 100)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t, map[string]int64{"A": 1000, "B": 1000})
			ctx := context.Background()
			txn := &ledger.Transaction{
				ID: "t1", Source: "A", Destination: "B",
				Amount: decimal.NewFromInt(100), State: tt.state, LastModified: epoch,
			}
			if err := store.InsertTransaction(ctx, txn); err != nil {
				t.Fatalf("InsertTransaction failed: %v", err)
			}
			tt.setup(store, txn.ID)

			c := New(store, Config{Clock: fixedClock})
			got, err := c.Advance(ctx, txn.ID)
			if err != nil {
				t.Fatalf("Advance failed: %v", err)
			}
			if got.State != ledger.StateDone {
				t.Errorf("Expected done, got %s", got.State)
			}
			assertAccount(t, store, "A", 900)
			assertAccount(t, store, "B", 1100)
		})
	}
}

func applyDelta(store *memory.MemoryStore, account, txnID string, delta int64) {
	_, _ = store.UpdateAccount(context.Background(),
		ledger.AccountFilter{ID: account, PendingLacks: txnID},
		ledger.AccountMutation{BalanceDelta: decimal.NewFromInt(delta), PushPending: txnID})
}

func clearPending(store *memory.MemoryStore, account, txnID string) {
	_, _ = store.UpdateAccount(context.Background(),
		ledger.AccountFilter{ID: account, PendingHas: txnID},
		ledger.AccountMutation{PullPending: txnID, PushSettled: txnID})
}

func TestCoordinator_Advance_TerminalAndCanceling(t *testing.T) {
	for _, state := range []ledger.State{ledger.StateDone, ledger.StateCanceled, ledger.StateCanceling} {
		t.Run(state.String(), func(t *testing.T) {
			store := newStore(t, map[string]int64{"A": 1000, "B": 1000})
			ctx := context.Background()
			_ = store.InsertTransaction(ctx, &ledger.Transaction{
				ID: "t1", Source: "A", Destination: "B",
				Amount: decimal.NewFromInt(100), State: state, LastModified: epoch,
			})

			backend := &mock.MockStore{Backend: store}
			c := New(backend, Config{Clock: fixedClock})

			got, err := c.Advance(ctx, "t1")
			if err != nil {
				t.Fatalf("Advance failed: %v", err)
			}
			if got.State != state {
				t.Errorf("Expected %s unchanged, got %s", state, got.State)
			}
			if backend.UpdateCalls() != 0 {
				t.Errorf("Expected no updates, got %d", backend.UpdateCalls())
			}
			assertAccount(t, store, "A", 1000)
		})
	}
}

func TestCoordinator_Advance_LeftoverPendingOnTerminal(t *testing.T) {
	for _, state := range []ledger.State{ledger.StateDone, ledger.StateCanceled} {
		t.Run(state.String(), func(t *testing.T) {
			store := newStore(t, map[string]int64{"A": 1000, "B": 1000})
			collector := metricsmem.NewMemoryCollector()
			ctx := context.Background()
			_ = store.InsertTransaction(ctx, &ledger.Transaction{
				ID: "t1", Source: "A", Destination: "B",
				Amount: decimal.NewFromInt(100), State: state, LastModified: epoch,
			})
			applyDelta(store, "B", "t1", 100)

			c := New(store, Config{Clock: fixedClock, Metrics: collector})
			_, err := c.Advance(ctx, "t1")
			if !ledger.IsIntegrityViolation(err) {
				t.Fatalf("Expected ErrIntegrityViolation, got %v", err)
			}
			if collector.Snapshot().IntegrityViolations["coordinator"] != 1 {
				t.Error("Expected integrity violation to be recorded")
			}
		})
	}
}

func TestCoordinator_Advance_IntegrityViolation(t *testing.T) {
	store := newStore(t, map[string]int64{"A": 1000, "B": 1000})
	collector := metricsmem.NewMemoryCollector()
	backend := &mock.MockStore{
		Backend: store,
		UpdateAccountFunc: func(ctx context.Context, filter ledger.AccountFilter, mutation ledger.AccountMutation) (ledger.UpdateResult, error) {
			return ledger.UpdateResult{Matched: 2, Modified: 2}, nil
		},
	}
	c := New(backend, Config{Clock: fixedClock, Metrics: collector})
	ctx := context.Background()

	txn, err := c.Create(ctx, "A", "B", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err = c.Advance(ctx, txn.ID)
	if !ledger.IsIntegrityViolation(err) {
		t.Fatalf("Expected ErrIntegrityViolation, got %v", err)
	}
	if collector.Snapshot().IntegrityViolations["coordinator"] != 1 {
		t.Error("Expected integrity violation to be recorded")
	}
}

func TestCoordinator_Advance_StoreUnavailable(t *testing.T) {
	backend := &mock.MockStore{
		GetTransactionFunc: func(ctx context.Context, id string) (*ledger.Transaction, error) {
			return nil, ledger.ErrStoreUnavailable
		},
	}
	c := New(backend, Config{Clock: fixedClock})

	_, err := c.Advance(context.Background(), "t1")
	if !errors.Is(err, ledger.ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
}

func TestCoordinator_Advance_MissingAccount(t *testing.T) {
	store := newStore(t, map[string]int64{"A": 1000})
	ctx := context.Background()
	_ = store.InsertTransaction(ctx, &ledger.Transaction{
		ID: "t1", Source: "A", Destination: "gone",
		Amount: decimal.NewFromInt(100), State: ledger.StatePending, LastModified: epoch,
	})

	c := New(store, Config{Clock: fixedClock})
	_, err := c.Advance(ctx, "t1")
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestCoordinator_Advance_Stalled(t *testing.T) {
	store := newStore(t, map[string]int64{"A": 1000, "B": 1000})
	c := New(store, Config{Clock: fixedClock, MaxIterations: 1})
	ctx := context.Background()

	txn, _ := c.Create(ctx, "A", "B", decimal.NewFromInt(100))
	_, err := c.Advance(ctx, txn.ID)
	if !errors.Is(err, ledger.ErrStalled) {
		t.Errorf("Expected ErrStalled, got %v", err)
	}
}

// TestCoordinator_ForwardOnlyTransitions records every executed transaction
// update while several drivers race, and checks each one against the state
// machine.
func TestCoordinator_ForwardOnlyTransitions(t *testing.T) {
	store := newStore(t, map[string]int64{"A": 1000, "B": 1000})

	var mu sync.Mutex
	var observed [][2]ledger.State
	backend := &mock.MockStore{
		Backend: store,
		UpdateTransactionFunc: func(ctx context.Context, filter ledger.TransactionFilter, mutation ledger.TransactionMutation) (ledger.UpdateResult, error) {
			res, err := store.UpdateTransaction(ctx, filter, mutation)
			if err == nil && res.Matched == 1 {
				mu.Lock()
				observed = append(observed, [2]ledger.State{filter.State, mutation.State})
				mu.Unlock()
			}
			return res, err
		},
	}

	ctx := context.Background()
	drivers := []*Coordinator{
		New(backend, Config{Clock: fixedClock}),
		New(backend, Config{Clock: fixedClock}),
		New(backend, Config{Clock: fixedClock}),
	}

	var ids []string
	for i := 0; i < 10; i++ {
		txn, err := drivers[0].Create(ctx, "A", "B", decimal.NewFromInt(10))
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		ids = append(ids, txn.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for _, d := range drivers {
			wg.Add(1)
			go func(d *Coordinator, id string) {
				defer wg.Done()
				_, _ = d.Advance(ctx, id)
			}(d, id)
		}
	}
	wg.Wait()

	if len(observed) != 3*len(ids) {
		t.Errorf("Expected %d executed transitions, got %d", 3*len(ids), len(observed))
	}
	for _, tr := range observed {
		if !tr[0].CanTransition(tr[1]) {
			t.Errorf("Observed illegal transition %s -> %s", tr[0], tr[1])
		}
	}

	assertAccount(t, store, "A", 900)
	assertAccount(t, store, "B", 1100)
}
