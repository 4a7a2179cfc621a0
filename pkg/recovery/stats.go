package recovery

import (
	"errors"
	"time"
)

// QueueStats provides statistics about the recovery work queue.
type QueueStats struct {
	// QueueDepth is the current number of items waiting for a worker
	QueueDepth int

	// Submitted is the total number of items accepted
	Submitted int64

	// Dropped is the total number of items rejected due to backpressure
	Dropped int64

	// Failed is the total number of items whose handler returned an error
	Failed int64
}

// SweepResult summarizes one recovery sweep.
type SweepResult struct {
	// Found is the number of stale transactions the range read returned
	Found int

	// Resumed is the number driven on without error
	Resumed int

	// Failed is the number whose resumption returned an error
	Failed int

	// Flagged is the number halted for manual inspection during this sweep
	Flagged int

	// Skipped is the number leased by another scanner instance
	Skipped int

	// Dropped is the number the work queue could not accept
	Dropped int

	Duration time.Duration
}

// Stats is a snapshot of scanner activity.
type Stats struct {
	Sweeps     int64       `json:"sweeps"`
	LastSweep  time.Time   `json:"last_sweep"`
	LastResult SweepResult `json:"last_result"`
	Queue      QueueStats  `json:"queue"`
}

// Errors returned by the recovery work queue.
var (
	// ErrQueueFull is returned when the queue is full and MaxWaitTime exceeded
	ErrQueueFull = errors.New("recovery: queue full, work dropped")

	// ErrQueueClosed is returned when submitting to a closed queue
	ErrQueueClosed = errors.New("recovery: queue is closed")
)
