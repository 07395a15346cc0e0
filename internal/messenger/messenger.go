// Package messenger is a small synchronous publish/subscribe bus.
//
// Handlers run on the publisher's goroutine, in subscription order, and
// their errors are handed back to the publisher. Every Subscribe returns a
// handle so callers can tear their subscriptions down deterministically.
package messenger

import (
	"errors"
	"fmt"
	"sync"
)

// Handler receives the payload of a published event.
type Handler func(payload any) error

// Messenger routes named events to their subscribers.
type Messenger struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]*Subscription
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	event   string
	handler Handler
	cancel  func()
	once    sync.Once
}

// New creates an empty Messenger.
func New() *Messenger {
	return &Messenger{subs: make(map[string][]*Subscription)}
}

// Subscribe registers h for event.
func (m *Messenger) Subscribe(event string, h Handler) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	sub := &Subscription{id: m.nextID, event: event, handler: h}
	sub.cancel = func() { m.remove(sub) }
	m.subs[event] = append(m.subs[event], sub)
	return sub
}

// Publish delivers payload to every handler subscribed to event. All
// handlers run even if one fails; the failures are joined.
func (m *Messenger) Publish(event string, payload any) error {
	m.mu.RLock()
	handlers := append([]*Subscription(nil), m.subs[event]...)
	m.mu.RUnlock()

	var errs []error
	for _, sub := range handlers {
		if err := sub.handler(payload); err != nil {
			errs = append(errs, fmt.Errorf("%s handler: %w", event, err))
		}
	}
	return errors.Join(errs...)
}

// SubscriberCount returns how many handlers are registered for event.
func (m *Messenger) SubscriberCount(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[event])
}

func (m *Messenger) remove(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.subs[sub.event]
	for i, s := range list {
		if s.id == sub.id {
			m.subs[sub.event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(m.subs[sub.event]) == 0 {
		delete(m.subs, sub.event)
	}
}

// Event returns the event name the subscription listens to.
func (s *Subscription) Event() string {
	return s.event
}

// Unsubscribe removes the handler. Safe to call more than once and on a
// nil handle.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Func wraps a plain function as an unsubscribe-able handle, for
// notification sources that keep their own listener lists.
func Func(event string, unsubscribe func()) *Subscription {
	return &Subscription{event: event, cancel: unsubscribe}
}
