package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ledger-saga/pkg/ledger"
	"ledger-saga/pkg/metrics"
)

// Handler resumes one stale transaction.
type Handler func(ctx context.Context, txn ledger.Transaction) error

// WorkQueue runs recovery work on a fixed worker pool fed by a bounded
// queue. A sweep that finds more work than the queue holds drops the excess;
// the next sweep picks it up again.
type WorkQueue struct {
	handler    Handler
	queue      chan workItem
	workers    int
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	config     QueueConfig
	metrics    metrics.MetricsCollector

	// mu orders Submit against Close so no item is accepted after workers stop
	mu     sync.RWMutex
	closed bool

	// Statistics (accessed atomically)
	submitted int64
	dropped   int64
	failed    int64
}

type workItem struct {
	ctx  context.Context
	txn  ledger.Transaction
	done func(error)
}

// QueueConfig configures the work queue.
type QueueConfig struct {
	// QueueSize is the bounded queue size (default: 256)
	QueueSize int

	// Workers is the number of concurrent workers (default: 4)
	Workers int

	// MaxWaitTime is the max time to wait if queue is full (default: 50ms)
	MaxWaitTime time.Duration
}

// NewWorkQueue starts a work queue. It must be closed with Close().
func NewWorkQueue(handler Handler, config QueueConfig, metricsCollector metrics.MetricsCollector) *WorkQueue {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.MaxWaitTime <= 0 {
		config.MaxWaitTime = 50 * time.Millisecond
	}
	if metricsCollector == nil {
		metricsCollector = metrics.NoOpCollector{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	q := &WorkQueue{
		handler:    handler,
		queue:      make(chan workItem, config.QueueSize),
		workers:    config.Workers,
		ctx:        ctx,
		cancelFunc: cancel,
		config:     config,
		metrics:    metricsCollector,
	}

	for i := 0; i < config.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

// Submit enqueues txn. done is called exactly once with the handler's
// result if Submit returns nil; it is never called otherwise.
func (q *WorkQueue) Submit(ctx context.Context, txn ledger.Transaction, done func(error)) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	item := workItem{ctx: ctx, txn: txn, done: done}

	timer := time.NewTimer(q.config.MaxWaitTime)
	defer timer.Stop()

	select {
	case q.queue <- item:
		atomic.AddInt64(&q.submitted, 1)
		q.metrics.RecordQueueDepth(len(q.queue))
		return nil
	case <-timer.C:
		atomic.AddInt64(&q.dropped, 1)
		q.metrics.RecordRecoveryDropped()
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *WorkQueue) worker() {
	defer q.wg.Done()

	for {
		select {
		case item := <-q.queue:
			q.process(item)
		case <-q.ctx.Done():
			// Drain what was accepted before Close
			for {
				select {
				case item := <-q.queue:
					q.process(item)
				default:
					return
				}
			}
		}
	}
}

func (q *WorkQueue) process(item workItem) {
	err := item.ctx.Err()
	if err == nil {
		err = q.handler(item.ctx, item.txn)
	}
	if err != nil {
		atomic.AddInt64(&q.failed, 1)
	}
	q.metrics.RecordQueueDepth(len(q.queue))
	if item.done != nil {
		item.done(err)
	}
}

// Close stops accepting work and waits for accepted items to finish.
func (q *WorkQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancelFunc()
	q.wg.Wait()
	return nil
}

// Stats returns current statistics about the queue.
func (q *WorkQueue) Stats() QueueStats {
	return QueueStats{
		QueueDepth: len(q.queue),
		Submitted:  atomic.LoadInt64(&q.submitted),
		Dropped:    atomic.LoadInt64(&q.dropped),
		Failed:     atomic.LoadInt64(&q.failed),
	}
}
