package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the persisted position of a transaction in its lifecycle.
type State string

const (
	// StateInitial is the state a transaction is created in.
	StateInitial State = "initial"
	// StatePending means the transaction has been claimed and account
	// adjustments may be in progress.
	StatePending State = "pending"
	// StateApplied means both accounts have been adjusted.
	StateApplied State = "applied"
	// StateDone is terminal: both accounts have been adjusted and cleared.
	StateDone State = "done"
	// StateCanceling means compensation is in progress.
	StateCanceling State = "canceling"
	// StateCanceled is terminal: compensation finished.
	StateCanceled State = "canceled"
)

// transitions lists, for each state, the states it may move to.
var transitions = map[State][]State{
	StateInitial:   {StatePending, StateCanceling},
	StatePending:   {StateApplied, StateCanceling},
	StateApplied:   {StateDone, StateCanceling},
	StateCanceling: {StateCanceled},
	StateDone:      nil,
	StateCanceled:  nil,
}

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateCanceled
}

// IsValid reports whether s is one of the known states.
func (s State) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanReach reports whether next can be reached from s through one or more
// allowed transitions.
func (s State) CanReach(next State) bool {
	seen := map[State]bool{s: true}
	queue := []State{s}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range transitions[cur] {
			if n == next {
				return true
			}
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false
}

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Transaction is the durable record of one transfer between two accounts.
// It is never deleted.
type Transaction struct {
	// ID is assigned once at creation and never changes.
	ID string

	Source      string
	Destination string

	// Amount is always positive.
	Amount decimal.Decimal

	State State

	// LastModified is bumped on every state transition and is the liveness
	// signal used by recovery.
	LastModified time.Time

	CreatedAt time.Time

	// CanceledFrom is the state the transaction was in when cancellation
	// began. Empty unless the transaction entered StateCanceling.
	CanceledFrom State

	// Flag is set when automated recovery was halted for this transaction.
	Flag string
}

// Participants returns the accounts touched by the transaction together with
// the balance delta each one receives when the transfer is applied.
func (t *Transaction) Participants() []Participant {
	return []Participant{
		{AccountID: t.Source, Delta: t.Amount.Neg()},
		{AccountID: t.Destination, Delta: t.Amount},
	}
}

// IsFlagged reports whether recovery was halted for this transaction.
func (t *Transaction) IsFlagged() bool {
	return t.Flag != ""
}

// Participant is one side of a transfer.
type Participant struct {
	AccountID string
	Delta     decimal.Decimal
}

// TransferRequest is the input to creating a transaction.
type TransferRequest struct {
	Source      string
	Destination string
	Amount      decimal.Decimal
}

// Validate checks the request before anything is persisted.
func (r TransferRequest) Validate() error {
	if r.Source == "" || r.Destination == "" {
		return validationErrorf("source and destination are required")
	}
	if r.Source == r.Destination {
		return validationErrorf("source and destination must differ (both %q)", r.Source)
	}
	if !r.Amount.IsPositive() {
		return validationErrorf("amount must be positive, got %s", r.Amount.String())
	}
	return nil
}
