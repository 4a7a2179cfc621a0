package mock

import (
	"context"
	"sync/atomic"

	"ledger-saga/pkg/ledger"
)

// MockStore is a ledger.Store for tests. Each hook, when set, replaces the
// corresponding call; otherwise the call is forwarded to Backend. With
// neither set, calls succeed with zero values.
type MockStore struct {
	// Backend receives calls that have no hook
	Backend ledger.Store

	// Function hooks - set these to customize behavior
	GetAccountFunc        func(ctx context.Context, id string) (*ledger.Account, error)
	InsertTransactionFunc func(ctx context.Context, txn *ledger.Transaction) error
	GetTransactionFunc    func(ctx context.Context, id string) (*ledger.Transaction, error)
	UpdateTransactionFunc func(ctx context.Context, filter ledger.TransactionFilter, mutation ledger.TransactionMutation) (ledger.UpdateResult, error)
	UpdateAccountFunc     func(ctx context.Context, filter ledger.AccountFilter, mutation ledger.AccountMutation) (ledger.UpdateResult, error)
	FindTransactionsFunc  func(ctx context.Context, query ledger.TransactionQuery) ([]ledger.Transaction, error)

	// Call tracking (must use atomic operations for race-free access)
	getCalls    int64
	updateCalls int64
	findCalls   int64
}

// InsertAccount forwards to Backend.
func (m *MockStore) InsertAccount(ctx context.Context, account *ledger.Account) error {
	if m.Backend != nil {
		return m.Backend.InsertAccount(ctx, account)
	}
	return nil
}

// GetAccount implements ledger.Store with optional custom behavior.
func (m *MockStore) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	atomic.AddInt64(&m.getCalls, 1)
	if m.GetAccountFunc != nil {
		return m.GetAccountFunc(ctx, id)
	}
	if m.Backend != nil {
		return m.Backend.GetAccount(ctx, id)
	}
	return &ledger.Account{ID: id}, nil
}

// InsertTransaction implements ledger.Store with optional custom behavior.
func (m *MockStore) InsertTransaction(ctx context.Context, txn *ledger.Transaction) error {
	if m.InsertTransactionFunc != nil {
		return m.InsertTransactionFunc(ctx, txn)
	}
	if m.Backend != nil {
		return m.Backend.InsertTransaction(ctx, txn)
	}
	return nil
}

// GetTransaction implements ledger.Store with optional custom behavior.
func (m *MockStore) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	atomic.AddInt64(&m.getCalls, 1)
	if m.GetTransactionFunc != nil {
		return m.GetTransactionFunc(ctx, id)
	}
	if m.Backend != nil {
		return m.Backend.GetTransaction(ctx, id)
	}
	return nil, ledger.ErrNotFound
}

// UpdateTransaction implements ledger.Store with optional custom behavior.
func (m *MockStore) UpdateTransaction(ctx context.Context, filter ledger.TransactionFilter, mutation ledger.TransactionMutation) (ledger.UpdateResult, error) {
	atomic.AddInt64(&m.updateCalls, 1)
	if m.UpdateTransactionFunc != nil {
		return m.UpdateTransactionFunc(ctx, filter, mutation)
	}
	if m.Backend != nil {
		return m.Backend.UpdateTransaction(ctx, filter, mutation)
	}
	return ledger.UpdateResult{}, nil
}

// UpdateAccount implements ledger.Store with optional custom behavior.
func (m *MockStore) UpdateAccount(ctx context.Context, filter ledger.AccountFilter, mutation ledger.AccountMutation) (ledger.UpdateResult, error) {
	atomic.AddInt64(&m.updateCalls, 1)
	if m.UpdateAccountFunc != nil {
		return m.UpdateAccountFunc(ctx, filter, mutation)
	}
	if m.Backend != nil {
		return m.Backend.UpdateAccount(ctx, filter, mutation)
	}
	return ledger.UpdateResult{}, nil
}

// FindTransactions implements ledger.Store with optional custom behavior.
func (m *MockStore) FindTransactions(ctx context.Context, query ledger.TransactionQuery) ([]ledger.Transaction, error) {
	atomic.AddInt64(&m.findCalls, 1)
	if m.FindTransactionsFunc != nil {
		return m.FindTransactionsFunc(ctx, query)
	}
	if m.Backend != nil {
		return m.Backend.FindTransactions(ctx, query)
	}
	return nil, nil
}

// Name returns "mock".
func (m *MockStore) Name() string {
	return "mock"
}

// Close forwards to Backend.
func (m *MockStore) Close() error {
	if m.Backend != nil {
		return m.Backend.Close()
	}
	return nil
}

// GetCalls returns the number of Get* calls (thread-safe).
func (m *MockStore) GetCalls() int {
	return int(atomic.LoadInt64(&m.getCalls))
}

// UpdateCalls returns the number of Update* calls (thread-safe).
func (m *MockStore) UpdateCalls() int {
	return int(atomic.LoadInt64(&m.updateCalls))
}

// FindCalls returns the number of FindTransactions calls (thread-safe).
func (m *MockStore) FindCalls() int {
	return int(atomic.LoadInt64(&m.findCalls))
}

var _ ledger.Store = (*MockStore)(nil)
