package session

import (
	"time"
)

// EventType names what an Event reports.
type EventType string

const (
	EventState  EventType = "state"
	EventStatus EventType = "status"
	EventUpload EventType = "upload"
)

// Event is published to subscribers on every transition and status change.
type Event struct {
	Type   EventType `json:"type"`
	State  State     `json:"state"`
	Status string    `json:"status,omitempty"`
	// Attempt and MaxAttempts are set on upload progress events.
	Attempt     int       `json:"attempt,omitempty"`
	MaxAttempts int       `json:"maxAttempts,omitempty"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// subscriberBuffer is how many events a slow subscriber may lag before
// events are dropped for it.
const subscriberBuffer = 32

// Subscribe returns a feed of session events and a function that ends it.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var done bool
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if done {
			return
		}
		done = true
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Session) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = s.now()
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
