// Package eventbus is the in-process fan-out bus described in spec.md §4.6:
// a broadcast channel with per-subscriber buffered backpressure, guaranteeing
// per-publisher FIFO ordering but not delivery to slow subscribers. Modeled
// on the single-owning-goroutine hub pattern (subscribe/unsubscribe/publish
// all serialized through one command channel, matching the teacher's
// manager.Manager run loop and the switchboard Hub in the wider pack).
package eventbus

import (
	"github.com/google/uuid"
)

// Kind classifies a published event.
type Kind string

const (
	KindData        Kind = "data"
	KindStateChange Kind = "state_change"
	KindTerminal    Kind = "terminal"
	KindControlAck  Kind = "control_ack"
)

// Event is one published item. PayloadRef is an opaque reference (e.g. a
// message-log row id) rather than the payload itself, so subscribers that
// need the body re-fetch it from the durable store.
type Event struct {
	ParticipantID uuid.UUID
	Kind          Kind
	PayloadRef    int64
}

// subscriberBuf is the default per-subscriber channel depth before a
// subscriber is considered lagging and receives a gap marker.
const subscriberBuf = 256

// Subscription is a live feed of events. When the subscriber's buffer is
// full the event is dropped for this subscriber and a signal is sent on Gap
// (at most one pending signal), so the consumer knows to rebuild from the
// store.
type Subscription struct {
	id     uint64
	events chan Event
	gap    chan struct{}
	bus    *Bus
}

// Events returns the channel of delivered events.
func (s *Subscription) Events() <-chan Event { return s.events }

// Gap returns a channel that receives a signal each time this subscriber
// dropped at least one event since the last delivered one.
func (s *Subscription) Gap() <-chan struct{} { return s.gap }

// Close unsubscribes and releases resources.
func (s *Subscription) Close() { s.bus.unsubscribe(s.id) }

type subscribeCmd struct {
	reply chan *Subscription
}

type unsubscribeCmd struct {
	id uint64
}

type publishCmd struct {
	event Event
}

// Bus is the Event Bus. All mutation of the subscriber set, and all
// publishing, is serialized through one goroutine via cmds — no locks on the
// hot publish path.
type Bus struct {
	cmds    chan any
	done    chan struct{}
	nextID  uint64
	subs    map[uint64]*Subscription
}

// New starts a Bus's owning goroutine and returns the handle.
func New() *Bus {
	b := &Bus{
		cmds: make(chan any, 256),
		done: make(chan struct{}),
		subs: make(map[uint64]*Subscription),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for cmd := range b.cmds {
		switch c := cmd.(type) {
		case subscribeCmd:
			b.nextID++
			sub := &Subscription{
				id:     b.nextID,
				events: make(chan Event, subscriberBuf),
				gap:    make(chan struct{}, 1),
				bus:    b,
			}
			b.subs[sub.id] = sub
			c.reply <- sub
		case unsubscribeCmd:
			if sub, ok := b.subs[c.id]; ok {
				close(sub.events)
				delete(b.subs, c.id)
			}
		case publishCmd:
			for _, sub := range b.subs {
				select {
				case sub.events <- c.event:
				default:
					// Subscriber is lagging: drop the event and signal a gap
					// rather than block the publisher (per-publisher FIFO is
					// preserved for subscribers that keep up).
					select {
					case sub.gap <- struct{}{}:
					default:
					}
				}
			}
		}
	}
	close(b.done)
}

// Subscribe registers a new subscriber and returns its feed.
func (b *Bus) Subscribe() *Subscription {
	reply := make(chan *Subscription, 1)
	b.cmds <- subscribeCmd{reply: reply}
	return <-reply
}

func (b *Bus) unsubscribe(id uint64) {
	b.cmds <- unsubscribeCmd{id: id}
}

// Publish broadcasts event to all current subscribers. Never blocks on a
// slow subscriber.
func (b *Bus) Publish(event Event) {
	b.cmds <- publishCmd{event: event}
}

// Close stops the bus's owning goroutine. Subsequent Publish/Subscribe calls
// (and Subscription.Close) panic on the closed command channel; callers must
// stop using the bus first.
func (b *Bus) Close() {
	close(b.cmds)
	<-b.done
}
