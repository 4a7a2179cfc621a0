package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ledger-saga/pkg/ledger"

	"github.com/shopspring/decimal"
)

// Event types published when a transaction reaches a terminal state.
const (
	TypeTransferCompleted = "transfer.completed"
	TypeTransferCanceled  = "transfer.canceled"
)

// Event is the message published for a settled transfer.
type Event struct {
	Type          string          `json:"type"`
	TransactionID string          `json:"transaction_id"`
	Source        string          `json:"source"`
	Destination   string          `json:"destination"`
	Amount        decimal.Decimal `json:"amount"`
	State         ledger.State    `json:"state"`
	CanceledFrom  ledger.State    `json:"canceled_from,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewEvent builds an event of eventType for txn.
func NewEvent(eventType string, txn *ledger.Transaction, at time.Time) Event {
	return Event{
		Type:          eventType,
		TransactionID: txn.ID,
		Source:        txn.Source,
		Destination:   txn.Destination,
		Amount:        txn.Amount,
		State:         txn.State,
		CanceledFrom:  txn.CanceledFrom,
		OccurredAt:    at.UTC(),
	}
}

// Key is the partitioning key. Events of one transaction share a key.
func (e Event) Key() []byte {
	return []byte(e.TransactionID)
}

// Marshal encodes the event as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a JSON event.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Publisher delivers settlement events to a broker. Publishing is best
// effort: the transaction record stays the source of truth.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoOpPublisher discards events.
type NoOpPublisher struct{}

// Publish does nothing.
func (NoOpPublisher) Publish(ctx context.Context, event Event) error { return nil }

// Close does nothing.
func (NoOpPublisher) Close() error { return nil }

// Recorder keeps published events in memory. Used in tests and demos.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records event.
func (r *Recorder) Publish(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Close does nothing.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of eventType were recorded.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
