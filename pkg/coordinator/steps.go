package coordinator

import (
	"context"
	"fmt"
	"time"

	"ledger-saga/pkg/ledger"
	"ledger-saga/pkg/logging"
	"ledger-saga/pkg/metrics"

	"go.uber.org/zap"
)

// Step names used in logs and metrics.
const (
	StepMarkPending = "mark_pending"
	StepApply       = "apply"
	StepMarkApplied = "mark_applied"
	StepClear       = "clear"
	StepMarkDone    = "mark_done"
)

// applyGuard selects an account that has not yet been adjusted for txn, was
// not fenced by a cancellation and has not already settled txn.
func applyGuard(txn *ledger.Transaction, accountID string) ledger.AccountFilter {
	return ledger.AccountFilter{ID: accountID, PendingLacks: txn.ID, Unfenced: txn.ID, Unsettled: txn.ID}
}

// clearGuard selects an account still carrying txn in its pending set.
func clearGuard(txn *ledger.Transaction, accountID string) ledger.AccountFilter {
	return ledger.AccountFilter{ID: accountID, PendingHas: txn.ID}
}

func (c *Coordinator) markPending(ctx context.Context, txn *ledger.Transaction) (*ledger.Transaction, error) {
	next, _, err := c.transition(ctx, StepMarkPending, txn, ledger.StateInitial, ledger.StatePending)
	return next, err
}

func (c *Coordinator) markApplied(ctx context.Context, txn *ledger.Transaction) (*ledger.Transaction, error) {
	next, _, err := c.transition(ctx, StepMarkApplied, txn, ledger.StatePending, ledger.StateApplied)
	return next, err
}

func (c *Coordinator) markDone(ctx context.Context, txn *ledger.Transaction) (*ledger.Transaction, error) {
	next, executed, err := c.transition(ctx, StepMarkDone, txn, ledger.StateApplied, ledger.StateDone)
	if err != nil {
		return nil, err
	}
	if executed {
		c.logger.ForTransaction(next).Info("transaction done")
		c.publishCompleted(ctx, next)
	}
	return next, nil
}

func (c *Coordinator) applyAll(ctx context.Context, txn *ledger.Transaction) error {
	for _, p := range txn.Participants() {
		if err := c.applyToAccount(ctx, txn, p, applyGuard(txn, p.AccountID)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) clearAll(ctx context.Context, txn *ledger.Transaction) error {
	for _, p := range txn.Participants() {
		if err := c.clearAccount(ctx, txn, clearGuard(txn, p.AccountID)); err != nil {
			return err
		}
	}
	return nil
}

// applyToAccount adjusts one account's balance by the participant delta and
// records txn as pending there. A zero match means the adjustment already
// happened or the account was fenced; the next transition tells which.
func (c *Coordinator) applyToAccount(ctx context.Context, txn *ledger.Transaction, p ledger.Participant, guard ledger.AccountFilter) error {
	start := time.Now()
	res, err := c.store.UpdateAccount(ctx, guard, ledger.AccountMutation{
		BalanceDelta: p.Delta,
		PushPending:  txn.ID,
	})
	executed, err := c.checkStep(StepApply, start, res, err)
	if err != nil {
		return fmt.Errorf("apply %s to %s: %w", txn.ID, p.AccountID, err)
	}
	if executed {
		c.logger.Debug("account adjusted",
			logging.TxnID(txn.ID),
			logging.AccountID(p.AccountID),
			zap.String("delta", p.Delta.String()),
		)
		return nil
	}

	// A missing account also matches nothing; that one is not benign.
	if _, err := c.store.GetAccount(ctx, p.AccountID); err != nil {
		return fmt.Errorf("apply %s to %s: %w", txn.ID, p.AccountID, err)
	}
	return nil
}

// clearAccount moves txn from one account's pending set to its settled set.
func (c *Coordinator) clearAccount(ctx context.Context, txn *ledger.Transaction, guard ledger.AccountFilter) error {
	start := time.Now()
	res, err := c.store.UpdateAccount(ctx, guard, ledger.AccountMutation{
		PullPending: txn.ID,
		PushSettled: txn.ID,
	})
	if _, err := c.checkStep(StepClear, start, res, err); err != nil {
		return fmt.Errorf("clear %s on %s: %w", txn.ID, guard.ID, err)
	}
	return nil
}

// verifyReleased checks that a transaction at rest is no longer pending on
// any of its accounts.
func (c *Coordinator) verifyReleased(ctx context.Context, txn *ledger.Transaction) error {
	for _, p := range txn.Participants() {
		account, err := c.store.GetAccount(ctx, p.AccountID)
		if err != nil {
			return fmt.Errorf("verify %s on %s: %w", txn.ID, p.AccountID, err)
		}
		if account.HasPending(txn.ID) {
			return fmt.Errorf("%w: %s is %s but still pending on %s",
				ledger.ErrIntegrityViolation, txn.ID, txn.State, p.AccountID)
		}
	}
	return nil
}

func sameTransfer(a, b *ledger.Transaction) bool {
	return a.ID == b.ID &&
		a.Source == b.Source &&
		a.Destination == b.Destination &&
		a.Amount.Equal(b.Amount)
}

// transition moves txn from one state to the next with the guard
// {id, state: from}. When the guard does not match, the persisted record is
// re-read and returned so the caller continues from wherever another actor
// left it. The boolean reports whether this call performed the transition.
func (c *Coordinator) transition(ctx context.Context, step string, txn *ledger.Transaction, from, to ledger.State) (*ledger.Transaction, bool, error) {
	if !from.CanTransition(to) {
		return nil, false, fmt.Errorf("coordinator: illegal transition %s -> %s", from, to)
	}

	start := time.Now()
	now := c.now()
	res, err := c.store.UpdateTransaction(ctx,
		ledger.TransactionFilter{ID: txn.ID, State: from},
		ledger.TransactionMutation{State: to, LastModified: now},
	)
	executed, err := c.checkStep(step, start, res, err)
	if err != nil {
		return nil, false, fmt.Errorf("%s %s: %w", step, txn.ID, err)
	}

	if executed {
		next := *txn
		next.State = to
		next.LastModified = now
		c.metrics.RecordTransition(from.String(), to.String())
		c.logger.Debug("transition",
			logging.TxnID(txn.ID),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		return &next, true, nil
	}

	current, err := c.store.GetTransaction(ctx, txn.ID)
	if err != nil {
		return nil, false, err
	}
	if !from.CanReach(current.State) {
		return nil, false, fmt.Errorf("%w: %s guard %s matched nothing but record is %s",
			ledger.ErrIntegrityViolation, txn.ID, from, current.State)
	}
	return current, false, nil
}

// checkStep interprets a conditional update result and records the outcome.
func (c *Coordinator) checkStep(step string, start time.Time, res ledger.UpdateResult, err error) (bool, error) {
	duration := time.Since(start)
	if err != nil {
		c.metrics.RecordStep(step, metrics.StepFailed, duration)
		return false, err
	}

	executed, err := ledger.CheckResult(res)
	switch {
	case err != nil:
		c.metrics.RecordStep(step, metrics.StepFailed, duration)
	case executed:
		c.metrics.RecordStep(step, metrics.StepExecuted, duration)
	default:
		c.metrics.RecordStep(step, metrics.StepSkipped, duration)
	}
	return executed, err
}
