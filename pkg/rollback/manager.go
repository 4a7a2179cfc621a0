package rollback

import (
	"context"
	"fmt"
	"time"

	"ledger-saga/pkg/events"
	"ledger-saga/pkg/ledger"
	"ledger-saga/pkg/logging"
	"ledger-saga/pkg/metrics"

	"go.uber.org/zap"
)

// Step names used in logs and metrics.
const (
	StepMarkCanceling = "mark_canceling"
	StepCompensate    = "compensate"
	StepMarkCanceled  = "mark_canceled"
)

const (
	defaultMaxIterations = 16
	defaultMaxAttempts   = 8
)

// Config configures a Manager. Zero values fall back to defaults.
type Config struct {
	Clock func() time.Time

	// MaxAttempts bounds the re-read loop of a single account compensation
	MaxAttempts int

	Metrics   metrics.MetricsCollector
	Publisher events.Publisher
	Logger    *logging.Logger
}

// Manager takes transactions down the cancellation branch:
// {initial, pending, applied} -> canceling -> canceled.
//
// Every participant account ends with the transaction id in its fence set.
// The apply step refuses fenced accounts, so a driver that read the
// transaction before it was canceled cannot adjust a balance afterwards.
type Manager struct {
	store       ledger.Store
	now         func() time.Time
	maxAttempts int
	metrics     metrics.MetricsCollector
	publisher   events.Publisher
	logger      *logging.Logger
}

// New creates a rollback manager over store.
func New(store ledger.Store, config Config) *Manager {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NoOpCollector{}
	}
	if config.Publisher == nil {
		config.Publisher = events.NoOpPublisher{}
	}
	if config.Logger == nil {
		config.Logger = logging.Global()
	}

	return &Manager{
		store:       store,
		now:         config.Clock,
		maxAttempts: config.MaxAttempts,
		metrics:     config.Metrics,
		publisher:   config.Publisher,
		logger:      config.Logger.Named("rollback"),
	}
}

// Cancel aborts a transaction that must not complete and reverses any
// balance adjustment already made. Canceling a done transaction fails with
// ErrNotCancelable; canceling a canceled one is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string, reason string) (*ledger.Transaction, error) {
	txn, err := m.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	for i := 0; i < defaultMaxIterations; i++ {
		switch txn.State {
		case ledger.StateDone:
			return nil, fmt.Errorf("%w: %s is done", ledger.ErrNotCancelable, id)
		case ledger.StateCanceled:
			return txn, nil
		case ledger.StateCanceling:
			return m.finish(ctx, txn, reason)
		case ledger.StateInitial, ledger.StatePending, ledger.StateApplied:
			if txn, err = m.markCanceling(ctx, txn, txn.State, reason); err != nil {
				return nil, m.violation(err)
			}
		default:
			return nil, m.violation(fmt.Errorf("%w: transaction %s has unknown state %q", ledger.ErrIntegrityViolation, id, txn.State))
		}
	}

	return nil, fmt.Errorf("%w: cancel of %s", ledger.ErrStalled, id)
}

// Resume finishes a transaction already in canceling. Other states are
// returned unchanged.
func (m *Manager) Resume(ctx context.Context, id string) (*ledger.Transaction, error) {
	txn, err := m.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.State != ledger.StateCanceling {
		return txn, nil
	}
	return m.finish(ctx, txn, "recovery")
}

// markCanceling moves txn out of from with the guard {id, state: from} and
// records from as the state cancellation began in.
func (m *Manager) markCanceling(ctx context.Context, txn *ledger.Transaction, from ledger.State, reason string) (*ledger.Transaction, error) {
	start := time.Now()
	now := m.now()
	res, err := m.store.UpdateTransaction(ctx,
		ledger.TransactionFilter{ID: txn.ID, State: from},
		ledger.TransactionMutation{State: ledger.StateCanceling, LastModified: now, CanceledFrom: from},
	)
	executed, err := m.checkStep(StepMarkCanceling, start, res, err)
	if err != nil {
		return nil, err
	}

	if executed {
		next := *txn
		next.State = ledger.StateCanceling
		next.CanceledFrom = from
		next.LastModified = now
		m.metrics.RecordTransition(from.String(), ledger.StateCanceling.String())
		m.logger.ForTransaction(&next).Info("cancellation started",
			zap.String("from", from.String()),
			zap.String("reason", reason),
		)
		return &next, nil
	}

	// Lost the race to a driver or another canceler; continue from the record.
	return m.store.GetTransaction(ctx, txn.ID)
}

// finish compensates every participant account and marks txn canceled.
func (m *Manager) finish(ctx context.Context, txn *ledger.Transaction, reason string) (*ledger.Transaction, error) {
	for _, p := range txn.Participants() {
		var err error
		switch txn.CanceledFrom {
		case ledger.StateInitial, ledger.StatePending:
			err = m.compensatePending(ctx, txn, p)
		case ledger.StateApplied:
			err = m.compensateApplied(ctx, txn, p)
		default:
			err = fmt.Errorf("%w: %s is canceling without a recorded origin state", ledger.ErrIntegrityViolation, txn.ID)
		}
		if err != nil {
			if ledger.IsIntegrityViolation(err) {
				return nil, m.violation(err)
			}
			return nil, err
		}
	}

	start := time.Now()
	now := m.now()
	res, err := m.store.UpdateTransaction(ctx,
		ledger.TransactionFilter{ID: txn.ID, State: ledger.StateCanceling},
		ledger.TransactionMutation{State: ledger.StateCanceled, LastModified: now},
	)
	executed, err := m.checkStep(StepMarkCanceled, start, res, err)
	if err != nil {
		return nil, m.violation(err)
	}
	if !executed {
		current, err := m.store.GetTransaction(ctx, txn.ID)
		if err != nil {
			return nil, err
		}
		if current.State != ledger.StateCanceled {
			return nil, m.violation(fmt.Errorf("%w: %s left canceling for %s", ledger.ErrIntegrityViolation, txn.ID, current.State))
		}
		return current, nil
	}

	next := *txn
	next.State = ledger.StateCanceled
	next.LastModified = now
	m.metrics.RecordTransition(ledger.StateCanceling.String(), ledger.StateCanceled.String())
	m.logger.ForTransaction(&next).Info("transaction canceled", zap.String("reason", reason))

	event := events.NewEvent(events.TypeTransferCanceled, &next, now)
	event.Reason = reason
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn("failed to publish event", logging.TxnID(next.ID), zap.String("type", event.Type), zap.Error(err))
	}
	return &next, nil
}

// compensatePending handles transactions canceled before they were applied.
// The clear step never ran, so txn being in the pending set means exactly
// that this account was adjusted.
func (m *Manager) compensatePending(ctx context.Context, txn *ledger.Transaction, p ledger.Participant) error {
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		account, err := m.store.GetAccount(ctx, p.AccountID)
		if err != nil {
			return err
		}
		if account.IsFenced(txn.ID) {
			return nil
		}

		var guard ledger.AccountFilter
		var mutation ledger.AccountMutation
		if account.HasPending(txn.ID) {
			guard = ledger.AccountFilter{ID: p.AccountID, PendingHas: txn.ID, Unfenced: txn.ID}
			mutation = ledger.AccountMutation{BalanceDelta: p.Delta.Neg(), PullPending: txn.ID, PushFence: txn.ID}
		} else {
			guard = ledger.AccountFilter{ID: p.AccountID, PendingLacks: txn.ID, Unfenced: txn.ID}
			mutation = ledger.AccountMutation{PushFence: txn.ID}
		}

		executed, err := m.compensate(ctx, txn, p, guard, mutation)
		if err != nil || executed {
			return err
		}
		// A late apply slipped in between the read and the update; look again.
	}

	return fmt.Errorf("%w: compensation of %s on %s kept losing races", ledger.ErrStalled, txn.ID, p.AccountID)
}

// compensateApplied handles transactions canceled after both accounts were
// adjusted. Clear may or may not have run, so the pending set is not
// consulted; the fence alone makes the reversal happen once.
func (m *Manager) compensateApplied(ctx context.Context, txn *ledger.Transaction, p ledger.Participant) error {
	guard := ledger.AccountFilter{ID: p.AccountID, Unfenced: txn.ID}
	mutation := ledger.AccountMutation{BalanceDelta: p.Delta.Neg(), PullPending: txn.ID, PushFence: txn.ID}

	executed, err := m.compensate(ctx, txn, p, guard, mutation)
	if err != nil || executed {
		return err
	}

	account, err := m.store.GetAccount(ctx, p.AccountID)
	if err != nil {
		return err
	}
	if !account.IsFenced(txn.ID) {
		return fmt.Errorf("%w: %s unfenced on %s but compensation matched nothing", ledger.ErrIntegrityViolation, txn.ID, p.AccountID)
	}
	return nil
}

func (m *Manager) compensate(ctx context.Context, txn *ledger.Transaction, p ledger.Participant, guard ledger.AccountFilter, mutation ledger.AccountMutation) (bool, error) {
	start := time.Now()
	res, err := m.store.UpdateAccount(ctx, guard, mutation)
	executed, err := m.checkStep(StepCompensate, start, res, err)
	if err != nil {
		return false, fmt.Errorf("compensate %s on %s: %w", txn.ID, p.AccountID, err)
	}
	if executed {
		m.logger.Debug("account compensated",
			logging.TxnID(txn.ID),
			logging.AccountID(p.AccountID),
			zap.String("reverted", mutation.BalanceDelta.String()),
		)
	}
	return executed, nil
}

func (m *Manager) checkStep(step string, start time.Time, res ledger.UpdateResult, err error) (bool, error) {
	duration := time.Since(start)
	if err != nil {
		m.metrics.RecordStep(step, metrics.StepFailed, duration)
		return false, err
	}

	executed, err := ledger.CheckResult(res)
	switch {
	case err != nil:
		m.metrics.RecordStep(step, metrics.StepFailed, duration)
	case executed:
		m.metrics.RecordStep(step, metrics.StepExecuted, duration)
	default:
		m.metrics.RecordStep(step, metrics.StepSkipped, duration)
	}
	return executed, err
}

func (m *Manager) violation(err error) error {
	if ledger.IsIntegrityViolation(err) {
		m.metrics.RecordIntegrityViolation("rollback")
		m.logger.Error("integrity violation", zap.Error(err))
	}
	return err
}
