package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-saga/pkg/events"
	"ledger-saga/pkg/ledger"
	"ledger-saga/pkg/logging"
	"ledger-saga/pkg/metrics"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Coordinator drives transfers through their state machine using only
// single-record conditional updates. It holds no lock across steps; any
// number of coordinators may advance the same transaction concurrently.
type Coordinator struct {
	store         ledger.Store
	now           func() time.Time
	maxIterations int
	metrics       metrics.MetricsCollector
	publisher     events.Publisher
	logger        *logging.Logger
	sf            *singleflight.Group
}

// New creates a coordinator over store.
func New(store ledger.Store, config Config) *Coordinator {
	config = config.withDefaults()

	return &Coordinator{
		store:         store,
		now:           config.Clock,
		maxIterations: config.MaxIterations,
		metrics:       config.Metrics,
		publisher:     config.Publisher,
		logger:        config.Logger.Named("coordinator"),
		sf:            &singleflight.Group{},
	}
}

// Create validates a transfer and records it in the initial state. Invalid
// requests are never persisted.
func (c *Coordinator) Create(ctx context.Context, source, destination string, amount decimal.Decimal) (*ledger.Transaction, error) {
	req := ledger.TransferRequest{Source: source, Destination: destination, Amount: amount}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	for _, id := range []string{source, destination} {
		if _, err := c.store.GetAccount(ctx, id); err != nil {
			if ledger.IsNotFound(err) {
				return nil, fmt.Errorf("%w: account %q does not exist", ledger.ErrValidation, id)
			}
			return nil, err
		}
	}

	now := c.now()
	txn := &ledger.Transaction{
		ID:           uuid.NewString(),
		Source:       source,
		Destination:  destination,
		Amount:       amount,
		State:        ledger.StateInitial,
		LastModified: now,
		CreatedAt:    now,
	}

	if err := c.store.InsertTransaction(ctx, txn); err != nil {
		if !errors.Is(err, ledger.ErrDuplicate) {
			return nil, err
		}
		// The id is fresh, so a duplicate means an earlier attempt of this
		// insert committed before reporting failure.
		stored, getErr := c.store.GetTransaction(ctx, txn.ID)
		if getErr != nil || !sameTransfer(stored, txn) {
			return nil, err
		}
		txn = stored
	}

	c.logger.ForTransaction(txn).Info("transaction created")
	return txn, nil
}

// Advance drives the transaction forward from its persisted state until it
// is done, or until it is on the cancellation path. It is safe to call any
// number of times and concurrently. A transaction in canceling is returned
// unchanged; finishing it is the rollback manager's job.
func (c *Coordinator) Advance(ctx context.Context, id string) (*ledger.Transaction, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	// Coalesce in-process duplicates. Cross-process safety comes from the guards.
	result, err, _ := c.sf.Do(id, func() (interface{}, error) {
		return c.advance(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	txn := *result.(*ledger.Transaction)
	return &txn, nil
}

func (c *Coordinator) advance(ctx context.Context, id string) (*ledger.Transaction, error) {
	txn, err := c.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	for i := 0; i < c.maxIterations; i++ {
		switch txn.State {
		case ledger.StateCanceling:
			return txn, nil

		case ledger.StateDone, ledger.StateCanceled:
			if err = c.verifyReleased(ctx, txn); err == nil {
				return txn, nil
			}

		case ledger.StateInitial:
			txn, err = c.markPending(ctx, txn)

		case ledger.StatePending:
			if err = c.applyAll(ctx, txn); err == nil {
				txn, err = c.markApplied(ctx, txn)
			}

		case ledger.StateApplied:
			if err = c.clearAll(ctx, txn); err == nil {
				txn, err = c.markDone(ctx, txn)
			}

		default:
			err = fmt.Errorf("%w: transaction %s has unknown state %q", ledger.ErrIntegrityViolation, txn.ID, txn.State)
		}

		if err != nil {
			if ledger.IsIntegrityViolation(err) {
				c.metrics.RecordIntegrityViolation("coordinator")
				c.logger.Error("integrity violation", logging.TxnID(id), zap.Error(err))
			}
			return nil, err
		}
	}

	c.logger.Warn("transaction made no progress",
		logging.TxnID(id),
		logging.State(txn.State),
		zap.Int("iterations", c.maxIterations),
	)
	return nil, fmt.Errorf("%w: %s still %s after %d iterations", ledger.ErrStalled, id, txn.State, c.maxIterations)
}

func (c *Coordinator) publishCompleted(ctx context.Context, txn *ledger.Transaction) {
	event := events.NewEvent(events.TypeTransferCompleted, txn, c.now())
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Warn("failed to publish event",
			logging.TxnID(txn.ID),
			zap.String("type", event.Type),
			zap.Error(err),
		)
	}
}
