package escrow

import (
	"encoding/json"
	"time"
)

type (
	// EventType names what happened to an account
	EventType string

	// Event is one immutable entry of an account's log
	Event struct {
		Timestamp time.Time       `json:"timestamp"`
		Sequence  int64           `json:"sequence"`
		Type      EventType       `json:"type"`
		AccountID AccountID       `json:"account_id"`
		Data      json.RawMessage `json:"data"`
	}

	// Created is the record emitted when an account is opened
	Created struct {
		ID          AccountID `json:"id"`
		ReferenceID string    `json:"reference_id"`
		Amount      int64     `json:"amount"`
		Payer       Address   `json:"payer"`
		Payee       Address   `json:"payee"`
		Deadline    UnixMilli `json:"deadline"`
		CreatedAt   UnixMilli `json:"created_at"`
	}

	// Released is the record emitted when funds move to the payee
	Released struct {
		ID          AccountID `json:"id"`
		ReferenceID string    `json:"reference_id"`
		Amount      int64     `json:"amount"`
		Recipient   Address   `json:"recipient"`
		SettledAt   UnixMilli `json:"settled_at"`
	}

	// Refunded is the record emitted when funds move back to the payer
	Refunded struct {
		ID          AccountID `json:"id"`
		ReferenceID string    `json:"reference_id"`
		Amount      int64     `json:"amount"`
		Recipient   Address   `json:"recipient"`
		SettledAt   UnixMilli `json:"settled_at"`
	}

	// Published marks an account as shared. It stays in the account's own
	// log and never reaches the public feed
	Published struct {
		ID AccountID `json:"id"`
		By Address   `json:"by"`
	}
)

const (
	EventCreated   EventType = "escrow.created"
	EventPublished EventType = "escrow.published"
	EventReleased  EventType = "escrow.released"
	EventRefunded  EventType = "escrow.refunded"
)

// Recorded reports whether events of this type belong on the public feed
func (t EventType) Recorded() bool {
	switch t {
	case EventCreated, EventReleased, EventRefunded:
		return true
	default:
		return false
	}
}

// Decode unmarshals the event's payload into a value of type T
func Decode[T any](ev *Event) (T, error) {
	var data T
	err := json.Unmarshal(ev.Data, &data)
	return data, err
}
