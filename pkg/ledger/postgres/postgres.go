package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"ledger-saga/pkg/ledger"

	"github.com/lib/pq"
)

// PostgresStore implements ledger.Store on PostgreSQL. Every update is a
// single UPDATE statement on one row, with the guard in its WHERE clause.
type PostgresStore struct {
	db   *sql.DB
	name string
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// DSN, when set, is used instead of the individual fields
	DSN string

	MaxOpenConns int
	MaxIdleConns int
}

// DefaultConfig returns default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         5432,
		User:         "postgres",
		Password:     "postgres",
		Database:     "ledger",
		SSLMode:      "disable",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
	}
}

func (c Config) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// NewPostgresStore opens a connection pool and creates the tables.
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{db: db, name: "postgres"}
	if err := store.initTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init tables: %w", err)
	}
	return store, nil
}

func (p *PostgresStore) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			balance NUMERIC NOT NULL,
			pending_transactions TEXT[] NOT NULL DEFAULT '{}',
			canceled_transactions TEXT[] NOT NULL DEFAULT '{}',
			settled_transactions TEXT[] NOT NULL DEFAULT '{}'
		)`,
		`ALTER TABLE accounts ADD COLUMN IF NOT EXISTS settled_transactions TEXT[] NOT NULL DEFAULT '{}'`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			destination TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			state TEXT NOT NULL,
			last_modified TIMESTAMP WITH TIME ZONE NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			canceled_from TEXT NOT NULL DEFAULT '',
			flag TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_state_modified ON transactions(state, last_modified)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

const transactionColumns = "id, source, destination, amount, state, last_modified, created_at, canceled_from, flag"

// InsertAccount creates an account row.
func (p *PostgresStore) InsertAccount(ctx context.Context, account *ledger.Account) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, pending_transactions, canceled_transactions, settled_transactions) VALUES ($1, $2, $3, $4, $5)`,
		account.ID, account.Balance,
		stringArray(account.PendingTransactions),
		stringArray(account.CanceledTransactions),
		stringArray(account.SettledTransactions),
	)
	return p.wrap(err, "insert_account")
}

// GetAccount reads an account row.
func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	var (
		account  = ledger.Account{ID: id}
		pending  pq.StringArray
		canceled pq.StringArray
		settled  pq.StringArray
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT balance, pending_transactions, canceled_transactions, settled_transactions FROM accounts WHERE id = $1`, id,
	).Scan(&account.Balance, &pending, &canceled, &settled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, p.wrap(err, "get_account")
	}
	account.PendingTransactions = []string(pending)
	account.CanceledTransactions = []string(canceled)
	account.SettledTransactions = []string(settled)
	return &account, nil
}

// InsertTransaction creates a transaction row.
func (p *PostgresStore) InsertTransaction(ctx context.Context, txn *ledger.Transaction) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		txn.ID, txn.Source, txn.Destination, txn.Amount, string(txn.State),
		txn.LastModified.UTC(), txn.CreatedAt.UTC(), string(txn.CanceledFrom), txn.Flag,
	)
	return p.wrap(err, "insert_transaction")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var (
		txn          ledger.Transaction
		state        string
		canceledFrom string
	)
	err := row.Scan(&txn.ID, &txn.Source, &txn.Destination, &txn.Amount, &state,
		&txn.LastModified, &txn.CreatedAt, &canceledFrom, &txn.Flag)
	if err != nil {
		return nil, err
	}
	txn.State = ledger.State(state)
	txn.CanceledFrom = ledger.State(canceledFrom)
	txn.LastModified = txn.LastModified.UTC()
	txn.CreatedAt = txn.CreatedAt.UTC()
	return &txn, nil
}

// GetTransaction reads a transaction row.
func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, p.wrap(err, "get_transaction")
	}
	return txn, nil
}

// UpdateTransaction runs one guarded UPDATE on the transactions table.
func (p *PostgresStore) UpdateTransaction(ctx context.Context, filter ledger.TransactionFilter, mutation ledger.TransactionMutation) (ledger.UpdateResult, error) {
	query, args := buildTransactionUpdate(filter, mutation)
	return p.exec(ctx, "update_transaction", query, args)
}

// UpdateAccount runs one guarded UPDATE on the accounts table.
func (p *PostgresStore) UpdateAccount(ctx context.Context, filter ledger.AccountFilter, mutation ledger.AccountMutation) (ledger.UpdateResult, error) {
	query, args := buildAccountUpdate(filter, mutation)
	return p.exec(ctx, "update_account", query, args)
}

// exec runs an UPDATE. PostgreSQL reports rows matched by the WHERE clause
// as affected even when the values do not change, so Matched and Modified
// are the same count.
func (p *PostgresStore) exec(ctx context.Context, operation, query string, args []any) (ledger.UpdateResult, error) {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return ledger.UpdateResult{}, p.wrap(err, operation)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.UpdateResult{}, p.wrap(err, operation)
	}
	return ledger.UpdateResult{Matched: n, Modified: n}, nil
}

// FindTransactions selects matching rows, oldest last_modified first.
func (p *PostgresStore) FindTransactions(ctx context.Context, query ledger.TransactionQuery) ([]ledger.Transaction, error) {
	sqlQuery, args := buildFind(query)
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, p.wrap(err, "find_transactions")
	}
	defer rows.Close()

	var result []ledger.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, p.wrap(err, "find_transactions")
		}
		result = append(result, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, p.wrap(err, "find_transactions")
	}
	return result, nil
}

// Name returns the store identifier.
func (p *PostgresStore) Name() string {
	return p.name
}

// Close closes the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// params collects positional arguments for a statement.
type params struct {
	args []any
}

func (p *params) add(v any) string {
	p.args = append(p.args, v)
	return fmt.Sprintf("$%d", len(p.args))
}

func buildTransactionUpdate(filter ledger.TransactionFilter, mutation ledger.TransactionMutation) (string, []any) {
	var p params
	var set []string

	if mutation.State != "" {
		set = append(set, "state = "+p.add(string(mutation.State)))
	}
	if !mutation.LastModified.IsZero() {
		set = append(set, "last_modified = "+p.add(mutation.LastModified.UTC()))
	}
	if mutation.CanceledFrom != "" {
		set = append(set, "canceled_from = "+p.add(string(mutation.CanceledFrom)))
	}
	if mutation.Flag != "" {
		set = append(set, "flag = "+p.add(mutation.Flag))
	}
	if len(set) == 0 {
		set = append(set, "id = id")
	}

	where := []string{"id = " + p.add(filter.ID)}
	if filter.State != "" {
		where = append(where, "state = "+p.add(string(filter.State)))
	}

	return "UPDATE transactions SET " + strings.Join(set, ", ") +
		" WHERE " + strings.Join(where, " AND "), p.args
}

func buildAccountUpdate(filter ledger.AccountFilter, mutation ledger.AccountMutation) (string, []any) {
	var p params
	var set []string

	if !mutation.BalanceDelta.IsZero() {
		set = append(set, "balance = balance + "+p.add(mutation.BalanceDelta))
	}

	pending := "pending_transactions"
	if mutation.PullPending != "" {
		pending = fmt.Sprintf("array_remove(%s, %s)", pending, p.add(mutation.PullPending))
	}
	if mutation.PushPending != "" {
		ph := p.add(mutation.PushPending)
		pending = fmt.Sprintf("array_append(array_remove(%s, %s), %s)", pending, ph, ph)
	}
	if pending != "pending_transactions" {
		set = append(set, "pending_transactions = "+pending)
	}

	if mutation.PushFence != "" {
		ph := p.add(mutation.PushFence)
		set = append(set, fmt.Sprintf("canceled_transactions = array_append(array_remove(canceled_transactions, %s), %s)", ph, ph))
	}
	if mutation.PushSettled != "" {
		ph := p.add(mutation.PushSettled)
		set = append(set, fmt.Sprintf("settled_transactions = array_append(array_remove(settled_transactions, %s), %s)", ph, ph))
	}
	if len(set) == 0 {
		set = append(set, "id = id")
	}

	where := []string{"id = " + p.add(filter.ID)}
	if filter.PendingHas != "" {
		where = append(where, p.add(filter.PendingHas)+" = ANY(pending_transactions)")
	}
	if filter.PendingLacks != "" {
		where = append(where, "NOT ("+p.add(filter.PendingLacks)+" = ANY(pending_transactions))")
	}
	if filter.Unfenced != "" {
		where = append(where, "NOT ("+p.add(filter.Unfenced)+" = ANY(canceled_transactions))")
	}
	if filter.Unsettled != "" {
		where = append(where, "NOT ("+p.add(filter.Unsettled)+" = ANY(settled_transactions))")
	}

	return "UPDATE accounts SET " + strings.Join(set, ", ") +
		" WHERE " + strings.Join(where, " AND "), p.args
}

func buildFind(query ledger.TransactionQuery) (string, []any) {
	var p params
	var where []string

	if len(query.States) > 0 {
		states := make([]string, len(query.States))
		for i, s := range query.States {
			states[i] = string(s)
		}
		where = append(where, "state = ANY("+p.add(pq.Array(states))+")")
	}
	if !query.ModifiedBefore.IsZero() {
		where = append(where, "last_modified < "+p.add(query.ModifiedBefore.UTC()))
	}
	if query.ExcludeFlagged {
		where = append(where, "flag = ''")
	}

	sqlQuery := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		sqlQuery += " WHERE " + strings.Join(where, " AND ")
	}
	sqlQuery += " ORDER BY last_modified, id"
	if query.Limit > 0 {
		sqlQuery += " LIMIT " + p.add(query.Limit)
	}
	return sqlQuery, p.args
}

func stringArray(ids []string) pq.StringArray {
	return append(pq.StringArray{}, ids...)
}

// wrap maps driver errors onto the ledger error set.
func (p *PostgresStore) wrap(err error, operation string) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return ledger.ErrDuplicate
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "53", pqErr.Code.Class() == "57":
			return ledger.WrapError(fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err), p.name, operation)
		}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ledger.WrapError(fmt.Errorf("%w: %w", ledger.ErrTimeout, err), p.name, operation)
	case errors.Is(err, driver.ErrBadConn), errors.As(err, &netErr):
		return ledger.WrapError(fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err), p.name, operation)
	}
	return ledger.WrapError(err, p.name, operation)
}

var _ ledger.Store = (*PostgresStore)(nil)
