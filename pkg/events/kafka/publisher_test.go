package kafka

import (
	"testing"
	"time"

	"ledger-saga/pkg/events"
	"ledger-saga/pkg/ledger"

	"github.com/shopspring/decimal"
)

func TestNewPublisher_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  PublisherConfig
		wantErr bool
	}{
		{name: "defaults", config: DefaultPublisherConfig()},
		{name: "no brokers", config: PublisherConfig{Topic: "t"}, wantErr: true},
		{name: "no topic", config: PublisherConfig{Brokers: []string{"localhost:9092"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPublisher(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewPublisher() error = %v, wantErr %v", err, tt.wantErr)
			}
			if p != nil {
				p.Close()
			}
		})
	}
}

func TestMessage(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	txn := &ledger.Transaction{
		ID:          "t1",
		Source:      "A",
		Destination: "B",
		Amount:      decimal.NewFromInt(100),
		State:       ledger.StateDone,
	}
	event := events.NewEvent(events.TypeTransferCompleted, txn, at)

	msg, err := Message(event)
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if string(msg.Key) != "t1" {
		t.Errorf("Expected key t1, got %q", msg.Key)
	}
	if !msg.Time.Equal(at) {
		t.Errorf("Expected time %v, got %v", at, msg.Time)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != events.TypeTransferCompleted {
		t.Errorf("Unexpected headers: %+v", msg.Headers)
	}

	decoded, err := events.Unmarshal(msg.Value)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.TransactionID != "t1" || !decoded.Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Unexpected payload: %+v", decoded)
	}
}
