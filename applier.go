package escrow

import "encoding/json"

type (
	// Applier folds one event into an account, returning the new state.
	// It must not mutate its input
	Applier  func(*Account, *Event) *Account
	Appliers map[EventType]Applier
)

// DefaultAppliers fold the escrow lifecycle
var DefaultAppliers = Appliers{
	EventCreated:   MakeApplier(applyCreated),
	EventPublished: MakeApplier(applyPublished),
	EventReleased:  MakeApplier(applyReleased),
	EventRefunded:  MakeApplier(applyRefunded),
}

func MakeApplier[Data any](fn func(*Account, *Event, Data) *Account) Applier {
	return func(acc *Account, ev *Event) *Account {
		var data Data
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return acc
		}
		return fn(acc, ev, data)
	}
}

// Apply folds the events into the account in order
func (a Appliers) Apply(acc *Account, evs ...*Event) *Account {
	for _, ev := range evs {
		if apply, ok := a[ev.Type]; ok {
			acc = apply(acc, ev)
		}
	}
	return acc
}

func applyCreated(_ *Account, _ *Event, data Created) *Account {
	return &Account{
		ID:          data.ID,
		ReferenceID: data.ReferenceID,
		Payer:       data.Payer,
		Payee:       data.Payee,
		Status:      StatusActive,
		HeldAmount:  data.Amount,
		Balance:     data.Amount,
		Deadline:    data.Deadline,
		CreatedAt:   data.CreatedAt,
	}
}

func applyPublished(acc *Account, _ *Event, _ Published) *Account {
	res := *acc
	res.Shared = true
	return &res
}

func applyReleased(acc *Account, _ *Event, data Released) *Account {
	res := *acc
	res.Status = StatusReleased
	res.Balance = 0
	res.SettledAt = data.SettledAt
	return &res
}

func applyRefunded(acc *Account, _ *Event, data Refunded) *Account {
	res := *acc
	res.Status = StatusRefunded
	res.Balance = 0
	res.SettledAt = data.SettledAt
	return &res
}
