package escrow

import "encoding/json"

type (
	// Aggregator holds an account's state while a command runs and
	// collects what the command wants committed. It is not safe for
	// concurrent use
	Aggregator struct {
		value    *Account
		appliers Appliers
		id       AccountID
		enqueued []*Event
		effects  Effects
		nextSeq  int64
		now      UnixMilli
	}

	// Effects are the side effects committed atomically with an append
	Effects struct {
		// Mint stores a new authorization bound to the account
		Mint *Authorization
		// Consume deletes the authorization, which must be bound to the
		// account, or the whole append is rejected
		Consume AuthorizationID
		// Payout credits the recipient's settled balance
		Payout *Payout
		// Share adds the account to the shared directory
		Share bool
	}

	// Payout is a credit to a party's settled balance
	Payout struct {
		Recipient Address `json:"recipient"`
		Amount    int64   `json:"amount"`
	}

	// Flusher persists enqueued events and their effects, returning an
	// error if the write fails
	Flusher func(int64, []*Event, Effects) error
)

func newAggregator(
	id AccountID, appliers Appliers, init *Account, initSeq int64,
	now UnixMilli,
) *Aggregator {
	return &Aggregator{
		id:       id,
		nextSeq:  initSeq,
		enqueued: []*Event{},
		appliers: appliers,
		value:    init,
		now:      now,
	}
}

// ID returns the account's identifier
func (a *Aggregator) ID() AccountID {
	return a.id
}

// Value returns the account's current state, including raised events
func (a *Aggregator) Value() *Account {
	return a.value
}

// Now returns the time the command is evaluated at
func (a *Aggregator) Now() UnixMilli {
	return a.now
}

// NextSequence returns the sequence the next raised event will receive
func (a *Aggregator) NextSequence() int64 {
	return a.nextSeq
}

// Enqueued returns the events raised during the current command
func (a *Aggregator) Enqueued() []*Event {
	return a.enqueued
}

// Effects returns the side effects requested during the current command
func (a *Aggregator) Effects() Effects {
	return a.effects
}

// Raise marshals the value and enqueues a new event
func (a *Aggregator) Raise(typ EventType, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	ev := &Event{
		Timestamp: a.now.Time(),
		Sequence:  a.nextSeq,
		AccountID: a.id,
		Type:      typ,
		Data:      data,
	}
	a.enqueued = append(a.enqueued, ev)
	a.nextSeq++
	a.Apply(ev)
	return nil
}

// MintAuthorization requests that auth be stored with the commit
func (a *Aggregator) MintAuthorization(auth Authorization) {
	a.effects.Mint = &auth
}

// ConsumeAuthorization requests that the authorization be destroyed with
// the commit
func (a *Aggregator) ConsumeAuthorization(id AuthorizationID) {
	a.effects.Consume = id
}

// Credit requests that amount be paid out to the recipient with the commit
func (a *Aggregator) Credit(to Address, amount int64) {
	a.effects.Payout = &Payout{Recipient: to, Amount: amount}
}

// Share requests that the account be added to the shared directory
func (a *Aggregator) Share() {
	a.effects.Share = true
}

// Apply updates the account state using the applier for the event
func (a *Aggregator) Apply(ev *Event) {
	a.value = a.appliers.Apply(a.value, ev)
}

// Flush writes enqueued events through the provided flusher and clears the
// queue on success
func (a *Aggregator) Flush(f Flusher) (int, error) {
	count := len(a.enqueued)
	if count == 0 {
		return 0, nil
	}
	expectedSeq := a.nextSeq - int64(count)
	if err := f(expectedSeq, a.enqueued, a.effects); err != nil {
		return count, err
	}
	a.enqueued = []*Event{}
	a.effects = Effects{}
	return count, nil
}
