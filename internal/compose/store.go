package compose

import (
	"slices"
	"sync"
)

// Listener is called after every transition with the event just applied and
// the state it produced.
type Listener func(event Event, state State)

type subscription struct {
	id int
	fn Listener
}

// Store serializes transitions of one compose state.
//
// Events are applied strictly one at a time in the order Dispatch received
// them. The goroutine that finds the queue idle drains it: it applies each
// event and then calls the listeners before moving to the next one. A
// Dispatch made while the queue is being drained (including from inside a
// listener) only enqueues and returns.
type Store struct {
	mu        sync.Mutex
	state     State
	queue     []Event
	draining  bool
	listeners []subscription
	nextID    int
}

// NewStore creates a store holding an empty state.
func NewStore() *Store {
	return &Store{state: NewState()}
}

// Snapshot returns the current state. It is safe to call from any goroutine;
// the returned value is never modified by later transitions.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, subscription{id: id, fn: l})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(slices.Clone(s.listeners), func(sub subscription) bool {
			return sub.id == id
		})
	}
}

// Dispatch queues event for application.
func (s *Store) Dispatch(event Event) {
	if event == nil {
		return
	}

	s.mu.Lock()
	s.queue = append(s.queue, event)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true

	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]

		s.state = Apply(s.state, next)
		state := s.state
		listeners := s.listeners
		s.mu.Unlock()

		for _, sub := range listeners {
			sub.fn(next, state)
		}

		s.mu.Lock()
	}

	s.queue = nil
	s.draining = false
	s.mu.Unlock()
}
