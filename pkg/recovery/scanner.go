package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ledger-saga/pkg/ledger"
	"ledger-saga/pkg/logging"
	"ledger-saga/pkg/metrics"

	"go.uber.org/zap"
)

// DefaultStalenessThreshold is how long a transaction may sit in a
// non-terminal state before its driver is presumed dead.
const DefaultStalenessThreshold = 30 * time.Minute

// Advancer drives a transaction forward.
type Advancer interface {
	Advance(ctx context.Context, id string) (*ledger.Transaction, error)
}

// Resumer finishes a transaction on the cancellation path.
type Resumer interface {
	Resume(ctx context.Context, id string) (*ledger.Transaction, error)
}

// Leaser grants short exclusive claims on a transaction id so concurrent
// scanner instances do not duplicate work. Correctness never depends on it.
type Leaser interface {
	Acquire(ctx context.Context, id string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id string) error
}

// NoOpLeaser grants every lease.
type NoOpLeaser struct{}

// Acquire always succeeds.
func (NoOpLeaser) Acquire(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return true, nil
}

// Release does nothing.
func (NoOpLeaser) Release(ctx context.Context, id string) error { return nil }

// Config configures a Scanner. Zero values fall back to defaults.
type Config struct {
	// StalenessThreshold selects transactions whose LastModified is older
	// than now minus this duration (default: 30m)
	StalenessThreshold time.Duration

	// ScanInterval is the period of Run (default: 1m)
	ScanInterval time.Duration

	// BatchSize caps how many transactions one sweep reads (default: 500)
	BatchSize int

	// LeaseTTL is how long a scanner instance holds a transaction (default: 2m)
	LeaseTTL time.Duration

	Queue   QueueConfig
	Leaser  Leaser
	Clock   func() time.Time
	Metrics metrics.MetricsCollector
	Logger  *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = DefaultStalenessThreshold
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.Leaser == nil {
		c.Leaser = NoOpLeaser{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NoOpCollector{}
	}
	if c.Logger == nil {
		c.Logger = logging.Global()
	}
	return c
}

// Scanner finds transactions whose driver died mid-sequence and resumes
// them. Several scanners may run against one store.
type Scanner struct {
	store    ledger.Store
	advancer Advancer
	resumer  Resumer
	config   Config
	queue    *WorkQueue
	logger   *logging.Logger

	sweeps     int64
	mu         sync.Mutex
	lastSweep  time.Time
	lastResult SweepResult
}

// New creates a scanner. resumer may be nil, in which case transactions
// stuck in canceling are left alone.
func New(store ledger.Store, advancer Advancer, resumer Resumer, config Config) *Scanner {
	config = config.withDefaults()

	s := &Scanner{
		store:    store,
		advancer: advancer,
		resumer:  resumer,
		config:   config,
		logger:   config.Logger.Named("recovery"),
	}
	s.queue = NewWorkQueue(s.resume, config.Queue, config.Metrics)
	return s
}

// outcome of resuming one transaction, reported back to the sweep.
var (
	errLeased  = errors.New("recovery: leased by another scanner")
	errFlagged = errors.New("recovery: flagged for manual inspection")
)

// Sweep resumes every stale transaction found by one range read and waits
// for the work to finish.
func (s *Scanner) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	cutoff := s.config.Clock().Add(-s.config.StalenessThreshold)

	states := []ledger.State{ledger.StatePending, ledger.StateApplied}
	if s.resumer != nil {
		states = append(states, ledger.StateCanceling)
	}

	stale, err := s.store.FindTransactions(ctx, ledger.TransactionQuery{
		States:         states,
		ModifiedBefore: cutoff,
		ExcludeFlagged: true,
		Limit:          s.config.BatchSize,
	})
	if err != nil {
		s.logger.Error("recovery scan failed", zap.Error(err))
		return SweepResult{}, fmt.Errorf("recovery scan: %w", err)
	}

	result := SweepResult{Found: len(stale)}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, txn := range stale {
		wg.Add(1)
		err := s.queue.Submit(ctx, txn, func(err error) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Resumed++
			case errors.Is(err, errLeased):
				result.Skipped++
			case errors.Is(err, errFlagged):
				result.Flagged++
				result.Failed++
			default:
				result.Failed++
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			result.Dropped++
			mu.Unlock()
			if !errors.Is(err, ErrQueueFull) {
				// Closed queue or canceled context; stop feeding.
				s.logger.Warn("recovery sweep interrupted", zap.Error(err))
				break
			}
		}
	}
	wg.Wait()

	result.Duration = time.Since(start)
	s.config.Metrics.RecordSweep(result.Found, result.Resumed, result.Failed, result.Duration)

	atomic.AddInt64(&s.sweeps, 1)
	s.mu.Lock()
	s.lastSweep = start
	s.lastResult = result
	s.mu.Unlock()

	if result.Found > 0 {
		s.logger.Info("recovery sweep finished",
			zap.Int("found", result.Found),
			zap.Int("resumed", result.Resumed),
			zap.Int("failed", result.Failed),
			zap.Int("flagged", result.Flagged),
			zap.Int("skipped", result.Skipped),
			zap.Int("dropped", result.Dropped),
			zap.Duration("duration", result.Duration),
		)
	}
	return result, ctx.Err()
}

// Run sweeps immediately and then every ScanInterval until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("recovery scanner started",
		zap.Duration("interval", s.config.ScanInterval),
		zap.Duration("staleness_threshold", s.config.StalenessThreshold),
		zap.Int("batch_size", s.config.BatchSize),
	)

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("recovery sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("recovery scanner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// resume is the work queue handler for one stale transaction.
func (s *Scanner) resume(ctx context.Context, txn ledger.Transaction) error {
	log := s.logger.ForTransaction(&txn).With(logging.State(txn.State))

	ok, err := s.config.Leaser.Acquire(ctx, txn.ID, s.config.LeaseTTL)
	if err != nil {
		// The lease store being down must not stop recovery.
		log.Warn("lease unavailable, resuming without it", zap.Error(err))
	} else if !ok {
		return errLeased
	} else {
		defer func() {
			if err := s.config.Leaser.Release(context.WithoutCancel(ctx), txn.ID); err != nil {
				log.Debug("lease release failed", zap.Error(err))
			}
		}()
	}

	var current *ledger.Transaction
	if txn.State == ledger.StateCanceling {
		current, err = s.resumer.Resume(ctx, txn.ID)
	} else {
		current, err = s.advancer.Advance(ctx, txn.ID)
		if err == nil && current.State == ledger.StateCanceling && s.resumer != nil {
			current, err = s.resumer.Resume(ctx, txn.ID)
		}
	}

	if err != nil {
		if ledger.IsIntegrityViolation(err) {
			return s.flag(ctx, &txn, err)
		}
		log.Warn("recovery attempt failed", zap.Error(err))
		return err
	}

	log.Info("transaction recovered", zap.String("now", current.State.String()))
	return nil
}

// flag durably halts automated recovery for txn.
func (s *Scanner) flag(ctx context.Context, txn *ledger.Transaction, cause error) error {
	s.config.Metrics.RecordIntegrityViolation("recovery")

	_, err := s.store.UpdateTransaction(ctx,
		ledger.TransactionFilter{ID: txn.ID},
		ledger.TransactionMutation{Flag: cause.Error()},
	)
	if err != nil {
		s.logger.Error("failed to flag transaction",
			logging.TxnID(txn.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", cause, err)
	}

	s.logger.Error("recovery halted, manual inspection required",
		logging.TxnID(txn.ID),
		logging.State(txn.State),
		zap.Error(cause),
	)
	return fmt.Errorf("%w: %w", errFlagged, cause)
}

// Stats returns a snapshot of scanner activity.
func (s *Scanner) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Sweeps:     atomic.LoadInt64(&s.sweeps),
		LastSweep:  s.lastSweep,
		LastResult: s.lastResult,
		Queue:      s.queue.Stats(),
	}
}

// Close stops the work queue after in-flight work finishes.
func (s *Scanner) Close() error {
	return s.queue.Close()
}
