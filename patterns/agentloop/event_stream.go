package agentloop

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventStream is an append-only, subscribable log of everything that
// happens during a run. It is the kernel's single source of truth: message
// history, tool transcripts, and plan state are all reconstructed from it
// rather than tracked separately.
//
// EventStream is safe for concurrent use. Subscribers receive events on
// buffered channels that Send writes to without blocking, so a slow
// subscriber never blocks Send or another subscriber; an event that finds a
// subscriber's channel full is dropped for that subscriber.
type EventStream struct {
	mu          sync.RWMutex
	events      []Event
	subscribers map[int]*subscription
	nextSubID   int
}

type subscription struct {
	ch     chan Event
	types  map[EventType]bool // nil means "all types"
	closed bool
}

// NewEventStream returns an empty EventStream.
func NewEventStream() *EventStream {
	return &EventStream{
		subscribers: make(map[int]*subscription),
	}
}

// Create builds an Event with a fresh ID and the current timestamp for the
// given type and payload, without appending it. Send does the appending;
// Create exists so callers that need the ID before publishing (for example
// to thread a message ID through a streaming update) can do so.
func (s *EventStream) Create(eventType EventType, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Send appends an event to the stream and fans it out to every matching
// subscriber. It never blocks on a subscriber's channel: a full subscriber
// channel simply drops the newest event for that subscriber rather than
// stalling the run.
func (s *EventStream) Send(event Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	subs := make([]*subscription, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Emit is a convenience that creates and sends an event in one call,
// returning the event actually appended (with its assigned ID).
func (s *EventStream) Emit(eventType EventType, payload any) Event {
	event := s.Create(eventType, payload)
	s.Send(event)
	return event
}

// GetEvents returns a copy of every event appended so far, in order.
func (s *EventStream) GetEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// GetEventsByType returns a copy of every event of the given type, in order.
func (s *EventStream) GetEventsByType(eventType EventType) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many events have been appended so far.
func (s *EventStream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Subscription is a handle returned by Subscribe/SubscribeToTypes. Events
// arrive on C; call Unsubscribe when done to release the channel.
type Subscription struct {
	C    <-chan Event
	id   int
	stop func(int)
}

// Unsubscribe stops delivery and closes the subscription's channel. It is
// safe to call more than once.
func (sub *Subscription) Unsubscribe() {
	sub.stop(sub.id)
}

// Subscribe returns a Subscription that receives every event appended from
// this point forward. bufferSize controls how many pending events the
// subscription channel can hold before new events are dropped for it.
func (s *EventStream) Subscribe(bufferSize int) *Subscription {
	return s.subscribeToTypes(nil, bufferSize)
}

// SubscribeToTypes is like Subscribe but filters to the given event types.
func (s *EventStream) SubscribeToTypes(bufferSize int, types ...EventType) *Subscription {
	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	return s.subscribeToTypes(filter, bufferSize)
}

func (s *EventStream) subscribeToTypes(types map[EventType]bool, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = 64
	}

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	sub := &subscription{
		ch:    make(chan Event, bufferSize),
		types: types,
	}
	s.subscribers[id] = sub
	s.mu.Unlock()

	return &Subscription{
		C:    sub.ch,
		id:   id,
		stop: s.unsubscribe,
	}
}

func (s *EventStream) unsubscribe(id int) {
	s.mu.Lock()
	sub, ok := s.subscribers[id]
	if ok {
		delete(s.subscribers, id)
	}
	s.mu.Unlock()

	if ok && !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}
