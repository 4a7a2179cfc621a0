package memory

import (
	"context"
	"sort"
	"sync"

	"ledger-saga/pkg/ledger"
)

// MemoryStore is an in-memory implementation of ledger.Store.
// Every update runs under a single mutex, which gives the per-record
// atomicity the protocol needs (and nothing more is relied upon).
type MemoryStore struct {
	// mu protects accounts and transactions
	mu sync.RWMutex

	accounts     map[string]*ledger.Account
	transactions map[string]*ledger.Transaction

	name   string
	closed bool
}

// MemoryStoreConfig holds configuration for the memory store
type MemoryStoreConfig struct {
	// Name is the store identifier used in logs and metrics
	Name string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(config MemoryStoreConfig) *MemoryStore {
	if config.Name == "" {
		config.Name = "memory"
	}

	return &MemoryStore{
		accounts:     make(map[string]*ledger.Account),
		transactions: make(map[string]*ledger.Transaction),
		name:         config.Name,
	}
}

// InsertAccount stores a copy of account.
func (m *MemoryStore) InsertAccount(ctx context.Context, account *ledger.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ledger.ErrStoreUnavailable
	}
	if _, exists := m.accounts[account.ID]; exists {
		return ledger.ErrDuplicate
	}
	m.accounts[account.ID] = account.Clone()
	return nil
}

// GetAccount returns a copy of the account.
func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ledger.ErrStoreUnavailable
	}
	account, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return account.Clone(), nil
}

// InsertTransaction stores a copy of txn.
func (m *MemoryStore) InsertTransaction(ctx context.Context, txn *ledger.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ledger.ErrStoreUnavailable
	}
	if _, exists := m.transactions[txn.ID]; exists {
		return ledger.ErrDuplicate
	}
	c := *txn
	m.transactions[txn.ID] = &c
	return nil
}

// GetTransaction returns a copy of the transaction.
func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ledger.ErrStoreUnavailable
	}
	txn, ok := m.transactions[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	c := *txn
	return &c, nil
}

// UpdateTransaction applies mutation if the transaction matches filter.
func (m *MemoryStore) UpdateTransaction(ctx context.Context, filter ledger.TransactionFilter, mutation ledger.TransactionMutation) (ledger.UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return ledger.UpdateResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ledger.UpdateResult{}, ledger.ErrStoreUnavailable
	}
	txn, ok := m.transactions[filter.ID]
	if !ok || !filter.Matches(txn) {
		return ledger.UpdateResult{}, nil
	}

	res := ledger.UpdateResult{Matched: 1}
	if mutation.Apply(txn) {
		res.Modified = 1
	}
	return res, nil
}

// UpdateAccount applies mutation if the account matches filter.
func (m *MemoryStore) UpdateAccount(ctx context.Context, filter ledger.AccountFilter, mutation ledger.AccountMutation) (ledger.UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return ledger.UpdateResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ledger.UpdateResult{}, ledger.ErrStoreUnavailable
	}
	account, ok := m.accounts[filter.ID]
	if !ok || !filter.Matches(account) {
		return ledger.UpdateResult{}, nil
	}

	res := ledger.UpdateResult{Matched: 1}
	if mutation.Apply(account) {
		res.Modified = 1
	}
	return res, nil
}

// FindTransactions returns copies of the matching transactions, oldest
// LastModified first.
func (m *MemoryStore) FindTransactions(ctx context.Context, query ledger.TransactionQuery) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ledger.ErrStoreUnavailable
	}

	var result []ledger.Transaction
	for _, txn := range m.transactions {
		if query.Matches(txn) {
			result = append(result, *txn)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].LastModified.Equal(result[j].LastModified) {
			return result[i].ID < result[j].ID
		}
		return result[i].LastModified.Before(result[j].LastModified)
	})

	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}

// Name returns the store identifier.
func (m *MemoryStore) Name() string {
	return m.name
}

// Close marks the store closed. Later calls fail with ErrStoreUnavailable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Len returns the number of accounts and transactions held.
func (m *MemoryStore) Len() (accounts int, transactions int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.accounts), len(m.transactions)
}

var _ ledger.Store = (*MemoryStore)(nil)
