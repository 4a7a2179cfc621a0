package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-saga/pkg/ledger"
	"ledger-saga/pkg/logging"
	"ledger-saga/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ResilientStore wraps a ledger.Store with a circuit breaker, a per-attempt
// timeout and bounded retries of transient failures.
type ResilientStore struct {
	store   ledger.Store
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	retry   RetryConfig
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewResilientStore creates a resilient wrapper around store.
func NewResilientStore(store ledger.Store, config ResilientConfig) *ResilientStore {
	return NewResilientStoreWithMetrics(store, config, metrics.NoOpCollector{})
}

// NewResilientStoreWithMetrics creates a resilient wrapper reporting to metricsCollector.
func NewResilientStoreWithMetrics(store ledger.Store, config ResilientConfig, metricsCollector metrics.MetricsCollector) *ResilientStore {
	if metricsCollector == nil {
		metricsCollector = metrics.NoOpCollector{}
	}
	logger := logging.Global().Named("resilience").Named(store.Name())

	rs := &ResilientStore{
		store:   store,
		timeout: config.Timeout,
		retry:   config.Retry,
		metrics: metricsCollector,
		logger:  logger,
	}

	logger.Info("resilient store initialized",
		zap.String("store", store.Name()),
		zap.Duration("timeout", config.Timeout),
		zap.Int("max_retries", config.Retry.MaxRetries),
		zap.Duration("circuit_timeout", config.CircuitBreakerConfig.Timeout),
	)

	settings := gobreaker.Settings{
		Name:        store.Name(),
		MaxRequests: config.CircuitBreakerConfig.MaxRequests,
		Interval:    config.CircuitBreakerConfig.Interval,
		Timeout:     config.CircuitBreakerConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.CircuitBreakerConfig.ReadyToTrip != nil {
				return config.CircuitBreakerConfig.ReadyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		// Missing records, duplicates and integrity violations are answers
		// from a healthy store. Only transport trouble counts against it.
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("store", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			rs.metrics.RecordCircuitState(name, circuitState(to))
		},
	}

	rs.cb = gobreaker.NewCircuitBreaker(settings)
	return rs
}

func circuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

func isTransient(err error) bool {
	return ledger.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

// CircuitState returns the current breaker state.
func (rs *ResilientStore) CircuitState() metrics.CircuitState {
	return circuitState(rs.cb.State())
}

// Name returns the name of the underlying store.
func (rs *ResilientStore) Name() string {
	return rs.store.Name()
}

// Close closes the underlying store.
func (rs *ResilientStore) Close() error {
	return rs.store.Close()
}

// InsertAccount inserts an account with resilience protection.
func (rs *ResilientStore) InsertAccount(ctx context.Context, account *ledger.Account) error {
	_, err := execute(rs, ctx, "insert_account", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rs.store.InsertAccount(ctx, account)
	})
	return err
}

// GetAccount reads an account with resilience protection.
func (rs *ResilientStore) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	return execute(rs, ctx, "get_account", func(ctx context.Context) (*ledger.Account, error) {
		return rs.store.GetAccount(ctx, id)
	})
}

// InsertTransaction inserts a transaction with resilience protection.
func (rs *ResilientStore) InsertTransaction(ctx context.Context, txn *ledger.Transaction) error {
	_, err := execute(rs, ctx, "insert_transaction", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rs.store.InsertTransaction(ctx, txn)
	})
	return err
}

// GetTransaction reads a transaction with resilience protection.
func (rs *ResilientStore) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	return execute(rs, ctx, "get_transaction", func(ctx context.Context) (*ledger.Transaction, error) {
		return rs.store.GetTransaction(ctx, id)
	})
}

// UpdateTransaction runs a conditional transaction update with resilience
// protection. Retrying is safe because the guard makes a repeated update a
// zero-match no-op.
func (rs *ResilientStore) UpdateTransaction(ctx context.Context, filter ledger.TransactionFilter, mutation ledger.TransactionMutation) (ledger.UpdateResult, error) {
	return execute(rs, ctx, "update_transaction", func(ctx context.Context) (ledger.UpdateResult, error) {
		return rs.store.UpdateTransaction(ctx, filter, mutation)
	})
}

// UpdateAccount runs a conditional account update with resilience protection.
func (rs *ResilientStore) UpdateAccount(ctx context.Context, filter ledger.AccountFilter, mutation ledger.AccountMutation) (ledger.UpdateResult, error) {
	return execute(rs, ctx, "update_account", func(ctx context.Context) (ledger.UpdateResult, error) {
		return rs.store.UpdateAccount(ctx, filter, mutation)
	})
}

// FindTransactions runs a range read with resilience protection.
func (rs *ResilientStore) FindTransactions(ctx context.Context, query ledger.TransactionQuery) ([]ledger.Transaction, error) {
	return execute(rs, ctx, "find_transactions", func(ctx context.Context) ([]ledger.Transaction, error) {
		return rs.store.FindTransactions(ctx, query)
	})
}

// execute runs op through the breaker, retrying transient failures with
// exponential backoff and full jitter.
func execute[T any](rs *ResilientStore, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	name := rs.store.Name()

	for attempt := 0; ; attempt++ {
		result, err := attemptOnce(rs, ctx, op, fn)
		if err == nil {
			return result, nil
		}

		if errors.Is(err, ledger.ErrCircuitOpen) {
			rs.logger.Warn("circuit breaker open - request rejected", zap.String("operation", op))
			return zero, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
		}
		if !ledger.IsRetryable(err) {
			return zero, err
		}
		if attempt >= rs.retry.MaxRetries {
			rs.logger.Error("store call failed after retries",
				zap.String("operation", op),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			if errors.Is(err, ledger.ErrStoreUnavailable) {
				return zero, err
			}
			return zero, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
		}

		rs.metrics.RecordStoreRetry(name, op)
		delay := FullJitter(Exponential(rs.retry.InitialBackoff, attempt, rs.retry.MaxBackoff))
		rs.logger.Debug("retrying store call",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if sleepErr := SleepWithContext(ctx, delay); sleepErr != nil {
			return zero, sleepErr
		}
	}
}

func attemptOnce[T any](rs *ResilientStore, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()

	callCtx := ctx
	if rs.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, rs.timeout)
		defer cancel()
	}

	result, err := rs.cb.Execute(func() (interface{}, error) {
		return fn(callCtx)
	})

	duration := time.Since(start)
	rs.metrics.RecordStoreCall(rs.store.Name(), op, err == nil || !isTransient(err), duration)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, ledger.ErrCircuitOpen
		}
		// The parent context ending is the caller's decision, not a store fault.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if callCtx.Err() == context.DeadlineExceeded {
			rs.logger.Warn("operation timeout",
				zap.String("operation", op),
				zap.Duration("timeout", rs.timeout),
				zap.Duration("elapsed", duration),
			)
			return zero, fmt.Errorf("%w: %s after %s", ledger.ErrTimeout, op, rs.timeout)
		}
		return zero, err
	}

	return result.(T), nil
}

var _ ledger.Store = (*ResilientStore)(nil)
