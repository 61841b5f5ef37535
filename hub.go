package escrow

import (
	"sync"

	"github.com/kode4food/caravan/topic"
)

type (
	// EventHub fans committed events out to in-process consumers
	EventHub struct {
		inner    topic.Topic[*Event]
		registry *registry
	}

	// Consumer receives the events matching its interests
	Consumer struct {
		inner     topic.Consumer[*Event]
		interests *interests
		registry  *registry
		filtered  <-chan *Event
		once      sync.Once
		closeOnce sync.Once
	}

	// registry counts active subscriptions so producers can skip events
	// nobody listens to
	registry struct {
		mu         sync.RWMutex
		byType     map[EventType]int64
		byAccount  map[AccountID]int64
		everything int64
	}

	// interests describes what events a consumer is interested in
	interests struct {
		eventTypes map[EventType]bool // empty = all event types
		account    AccountID          // "" = all accounts
	}
)

// NewEventHub creates a new EventHub over the given topic
func NewEventHub(inner topic.Topic[*Event]) *EventHub {
	return &EventHub{
		inner: inner,
		registry: &registry{
			byType:    map[EventType]int64{},
			byAccount: map[AccountID]int64{},
		},
	}
}

// NewConsumer creates a consumer interested in specific event types. If no
// event types are specified, the consumer receives all events
func (eh *EventHub) NewConsumer(eventTypes ...EventType) *Consumer {
	return eh.subscribe(newInterests("", eventTypes))
}

// NewAccountConsumer creates a consumer interested in one account's events.
// If no event types are specified, it receives every event of the account
func (eh *EventHub) NewAccountConsumer(
	id AccountID, eventTypes ...EventType,
) *Consumer {
	return eh.subscribe(newInterests(id, eventTypes))
}

func (eh *EventHub) subscribe(i *interests) *Consumer {
	eh.registry.register(i)
	return &Consumer{
		inner:     eh.inner.NewConsumer(),
		interests: i,
		registry:  eh.registry,
	}
}

func (eh *EventHub) hasSubscribers(ev *Event) bool {
	return eh.registry.hasSubscribers(ev.Type, ev.AccountID)
}

func (eh *EventHub) newProducer() topic.Producer[*Event] {
	return eh.inner.NewProducer()
}

// Receive returns a channel of events filtered by the consumer's interests
func (c *Consumer) Receive() <-chan *Event {
	c.once.Do(func() {
		filtered := make(chan *Event, 1)

		go func() {
			defer close(filtered)
			for ev := range c.inner.Receive() {
				if c.interests.matches(ev) {
					filtered <- ev
				}
			}
		}()

		c.filtered = filtered
	})

	return c.filtered
}

// Close unregisters the consumer
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.registry.unregister(c.interests)
		c.inner.Close()
	})
	return nil
}

func newInterests(id AccountID, eventTypes []EventType) *interests {
	i := &interests{account: id}
	if len(eventTypes) > 0 {
		i.eventTypes = make(map[EventType]bool, len(eventTypes))
		for _, et := range eventTypes {
			i.eventTypes[et] = true
		}
	}
	return i
}

func (i *interests) matches(ev *Event) bool {
	if i.account != "" && ev.AccountID != i.account {
		return false
	}
	if len(i.eventTypes) > 0 && !i.eventTypes[ev.Type] {
		return false
	}
	return true
}

func (r *registry) register(i *interests) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adjust(i, 1)
}

func (r *registry) unregister(i *interests) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adjust(i, -1)
}

// adjust counts account-scoped consumers by account only; their event type
// filter is applied by the consumer itself
func (r *registry) adjust(i *interests, delta int64) {
	if i.account == "" && len(i.eventTypes) == 0 {
		r.everything += delta
		return
	}
	if i.account != "" {
		r.byAccount[i.account] += delta
		if r.byAccount[i.account] == 0 {
			delete(r.byAccount, i.account)
		}
		return
	}
	for et := range i.eventTypes {
		r.byType[et] += delta
		if r.byType[et] == 0 {
			delete(r.byType, et)
		}
	}
}

func (r *registry) hasSubscribers(typ EventType, id AccountID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.everything > 0 {
		return true
	}
	if r.byAccount[id] > 0 {
		return true
	}
	return r.byType[typ] > 0
}
