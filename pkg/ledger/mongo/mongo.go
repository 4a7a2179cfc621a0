package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-saga/pkg/ledger"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore implements ledger.Store on MongoDB. Each update is a single
// UpdateOne whose filter carries the guard, which is atomic per document.
type MongoStore struct {
	client       *mongo.Client
	accounts     *mongo.Collection
	transactions *mongo.Collection
	name         string
}

// Config holds MongoDB connection configuration.
type Config struct {
	URI         string
	Database    string
	DialTimeout time.Duration
}

// DefaultConfig returns a local MongoDB configuration.
func DefaultConfig() Config {
	return Config{
		URI:         "mongodb://localhost:27017",
		Database:    "ledger",
		DialTimeout: 5 * time.Second,
	}
}

type accountDoc struct {
	ID                   string          `bson:"_id"`
	Balance              bson.Decimal128 `bson:"balance"`
	PendingTransactions  []string        `bson:"pending_transactions"`
	CanceledTransactions []string        `bson:"canceled_transactions"`
	SettledTransactions  []string        `bson:"settled_transactions"`
}

type transactionDoc struct {
	ID           string          `bson:"_id"`
	Source       string          `bson:"source"`
	Destination  string          `bson:"destination"`
	Amount       bson.Decimal128 `bson:"amount"`
	State        string          `bson:"state"`
	LastModified time.Time       `bson:"last_modified"`
	CreatedAt    time.Time       `bson:"created_at"`
	CanceledFrom string          `bson:"canceled_from"`
	Flag         string          `bson:"flag"`
}

// NewMongoStore connects, pings and creates the recovery index.
func NewMongoStore(cfg Config) (*MongoStore, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	store := &MongoStore{
		client:       client,
		accounts:     db.Collection("accounts"),
		transactions: db.Collection("transactions"),
		name:         "mongo",
	}

	_, err = store.transactions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "state", Value: 1}, {Key: "last_modified", Value: 1}},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	return store, nil
}

func toDecimal128(d decimal.Decimal) (bson.Decimal128, error) {
	v, err := bson.ParseDecimal128(d.String())
	if err != nil {
		return bson.Decimal128{}, fmt.Errorf("amount %s out of range: %w", d.String(), err)
	}
	return v, nil
}

func fromDecimal128(v bson.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(v.String())
}

// InsertAccount inserts an account document.
func (m *MongoStore) InsertAccount(ctx context.Context, account *ledger.Account) error {
	balance, err := toDecimal128(account.Balance)
	if err != nil {
		return err
	}
	_, err = m.accounts.InsertOne(ctx, accountDoc{
		ID:                   account.ID,
		Balance:              balance,
		PendingTransactions:  nonNil(account.PendingTransactions),
		CanceledTransactions: nonNil(account.CanceledTransactions),
		SettledTransactions:  nonNil(account.SettledTransactions),
	})
	return m.wrap(err, "insert_account")
}

// GetAccount reads an account document.
func (m *MongoStore) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	var doc accountDoc
	err := m.accounts.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, m.wrap(err, "get_account")
	}

	balance, err := fromDecimal128(doc.Balance)
	if err != nil {
		return nil, fmt.Errorf("%w: account %s balance: %v", ledger.ErrIntegrityViolation, id, err)
	}
	return &ledger.Account{
		ID:                   doc.ID,
		Balance:              balance,
		PendingTransactions:  doc.PendingTransactions,
		CanceledTransactions: doc.CanceledTransactions,
		SettledTransactions:  doc.SettledTransactions,
	}, nil
}

// InsertTransaction inserts a transaction document.
func (m *MongoStore) InsertTransaction(ctx context.Context, txn *ledger.Transaction) error {
	amount, err := toDecimal128(txn.Amount)
	if err != nil {
		return err
	}
	_, err = m.transactions.InsertOne(ctx, transactionDoc{
		ID:           txn.ID,
		Source:       txn.Source,
		Destination:  txn.Destination,
		Amount:       amount,
		State:        string(txn.State),
		LastModified: txn.LastModified.UTC(),
		CreatedAt:    txn.CreatedAt.UTC(),
		CanceledFrom: string(txn.CanceledFrom),
		Flag:         txn.Flag,
	})
	return m.wrap(err, "insert_transaction")
}

func (d transactionDoc) toTransaction() (*ledger.Transaction, error) {
	amount, err := fromDecimal128(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction %s amount: %v", ledger.ErrIntegrityViolation, d.ID, err)
	}
	return &ledger.Transaction{
		ID:           d.ID,
		Source:       d.Source,
		Destination:  d.Destination,
		Amount:       amount,
		State:        ledger.State(d.State),
		LastModified: d.LastModified.UTC(),
		CreatedAt:    d.CreatedAt.UTC(),
		CanceledFrom: ledger.State(d.CanceledFrom),
		Flag:         d.Flag,
	}, nil
}

// GetTransaction reads a transaction document.
func (m *MongoStore) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	var doc transactionDoc
	err := m.transactions.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, m.wrap(err, "get_transaction")
	}
	return doc.toTransaction()
}

// UpdateTransaction runs one guarded UpdateOne on the transactions collection.
func (m *MongoStore) UpdateTransaction(ctx context.Context, filter ledger.TransactionFilter, mutation ledger.TransactionMutation) (ledger.UpdateResult, error) {
	return m.update(ctx, m.transactions, "update_transaction",
		transactionFilterDoc(filter), transactionUpdateDoc(mutation))
}

// UpdateAccount runs one guarded UpdateOne on the accounts collection.
func (m *MongoStore) UpdateAccount(ctx context.Context, filter ledger.AccountFilter, mutation ledger.AccountMutation) (ledger.UpdateResult, error) {
	update, err := accountUpdateDoc(mutation)
	if err != nil {
		return ledger.UpdateResult{}, err
	}
	return m.update(ctx, m.accounts, "update_account", accountFilterDoc(filter), update)
}

func (m *MongoStore) update(ctx context.Context, coll *mongo.Collection, operation string, filter, update bson.D) (ledger.UpdateResult, error) {
	// MongoDB rejects empty update documents; report the match alone.
	if len(update) == 0 {
		n, err := coll.CountDocuments(ctx, filter)
		if err != nil {
			return ledger.UpdateResult{}, m.wrap(err, operation)
		}
		return ledger.UpdateResult{Matched: n}, nil
	}

	res, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return ledger.UpdateResult{}, m.wrap(err, operation)
	}
	return ledger.UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

// FindTransactions returns matching transactions, oldest last_modified first.
func (m *MongoStore) FindTransactions(ctx context.Context, query ledger.TransactionQuery) ([]ledger.Transaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_modified", Value: 1}, {Key: "_id", Value: 1}})
	if query.Limit > 0 {
		opts.SetLimit(int64(query.Limit))
	}

	cursor, err := m.transactions.Find(ctx, queryDoc(query), opts)
	if err != nil {
		return nil, m.wrap(err, "find_transactions")
	}
	defer cursor.Close(ctx)

	var docs []transactionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, m.wrap(err, "find_transactions")
	}

	result := make([]ledger.Transaction, 0, len(docs))
	for _, doc := range docs {
		txn, err := doc.toTransaction()
		if err != nil {
			return nil, err
		}
		result = append(result, *txn)
	}
	return result, nil
}

// Name returns the store identifier.
func (m *MongoStore) Name() string {
	return m.name
}

// Close disconnects the client.
func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func transactionFilterDoc(filter ledger.TransactionFilter) bson.D {
	doc := bson.D{{Key: "_id", Value: filter.ID}}
	if filter.State != "" {
		doc = append(doc, bson.E{Key: "state", Value: string(filter.State)})
	}
	return doc
}

func transactionUpdateDoc(mutation ledger.TransactionMutation) bson.D {
	var set bson.D
	if mutation.State != "" {
		set = append(set, bson.E{Key: "state", Value: string(mutation.State)})
	}
	if !mutation.LastModified.IsZero() {
		set = append(set, bson.E{Key: "last_modified", Value: mutation.LastModified.UTC()})
	}
	if mutation.CanceledFrom != "" {
		set = append(set, bson.E{Key: "canceled_from", Value: string(mutation.CanceledFrom)})
	}
	if mutation.Flag != "" {
		set = append(set, bson.E{Key: "flag", Value: mutation.Flag})
	}
	if len(set) == 0 {
		return nil
	}
	return bson.D{{Key: "$set", Value: set}}
}

func accountFilterDoc(filter ledger.AccountFilter) bson.D {
	doc := bson.D{{Key: "_id", Value: filter.ID}}

	var pending bson.D
	if filter.PendingHas != "" {
		pending = append(pending, bson.E{Key: "$all", Value: bson.A{filter.PendingHas}})
	}
	if filter.PendingLacks != "" {
		pending = append(pending, bson.E{Key: "$nin", Value: bson.A{filter.PendingLacks}})
	}
	if len(pending) > 0 {
		doc = append(doc, bson.E{Key: "pending_transactions", Value: pending})
	}

	if filter.Unfenced != "" {
		doc = append(doc, bson.E{Key: "canceled_transactions", Value: bson.D{{Key: "$nin", Value: bson.A{filter.Unfenced}}}})
	}
	if filter.Unsettled != "" {
		doc = append(doc, bson.E{Key: "settled_transactions", Value: bson.D{{Key: "$nin", Value: bson.A{filter.Unsettled}}}})
	}
	return doc
}

// accountUpdateDoc builds the update operators. $pull and $addToSet cannot
// target the same array in one update, so a mutation doing both is rejected.
func accountUpdateDoc(mutation ledger.AccountMutation) (bson.D, error) {
	if mutation.PullPending != "" && mutation.PushPending != "" {
		return nil, fmt.Errorf("mongo: cannot push and pull pending_transactions in one update")
	}

	var update bson.D
	if !mutation.BalanceDelta.IsZero() {
		delta, err := toDecimal128(mutation.BalanceDelta)
		if err != nil {
			return nil, err
		}
		update = append(update, bson.E{Key: "$inc", Value: bson.D{{Key: "balance", Value: delta}}})
	}
	if mutation.PullPending != "" {
		update = append(update, bson.E{Key: "$pull", Value: bson.D{{Key: "pending_transactions", Value: mutation.PullPending}}})
	}

	var addToSet bson.D
	if mutation.PushPending != "" {
		addToSet = append(addToSet, bson.E{Key: "pending_transactions", Value: mutation.PushPending})
	}
	if mutation.PushFence != "" {
		addToSet = append(addToSet, bson.E{Key: "canceled_transactions", Value: mutation.PushFence})
	}
	if mutation.PushSettled != "" {
		addToSet = append(addToSet, bson.E{Key: "settled_transactions", Value: mutation.PushSettled})
	}
	if len(addToSet) > 0 {
		update = append(update, bson.E{Key: "$addToSet", Value: addToSet})
	}
	return update, nil
}

func queryDoc(query ledger.TransactionQuery) bson.D {
	var doc bson.D
	if len(query.States) > 0 {
		states := make(bson.A, len(query.States))
		for i, s := range query.States {
			states[i] = string(s)
		}
		doc = append(doc, bson.E{Key: "state", Value: bson.D{{Key: "$in", Value: states}}})
	}
	if !query.ModifiedBefore.IsZero() {
		doc = append(doc, bson.E{Key: "last_modified", Value: bson.D{{Key: "$lt", Value: query.ModifiedBefore.UTC()}}})
	}
	if query.ExcludeFlagged {
		doc = append(doc, bson.E{Key: "flag", Value: ""})
	}
	if doc == nil {
		doc = bson.D{}
	}
	return doc
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// wrap maps driver errors onto the ledger error set.
func (m *MongoStore) wrap(err error, operation string) error {
	if err == nil {
		return nil
	}
	switch {
	case mongo.IsDuplicateKeyError(err):
		return ledger.ErrDuplicate
	case mongo.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return ledger.WrapError(fmt.Errorf("%w: %w", ledger.ErrTimeout, err), m.name, operation)
	case mongo.IsNetworkError(err), errors.Is(err, mongo.ErrClientDisconnected):
		return ledger.WrapError(fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err), m.name, operation)
	}
	return ledger.WrapError(err, m.name, operation)
}

var _ ledger.Store = (*MongoStore)(nil)
