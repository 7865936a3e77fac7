package viewer

import (
	"sync"

	"github.com/zsprackett/setupwatch/internal/events"
	"github.com/zsprackett/setupwatch/internal/stats"
)

// MaxEvents bounds the local event set.
const MaxEvents = 200

// EventSet is a viewer's local, newest-first copy of recent events, unique
// by identifier.
type EventSet struct {
	mu     sync.Mutex
	events []events.StoredEvent
	ids    map[string]struct{}
}

func NewEventSet() *EventSet {
	return &EventSet{ids: make(map[string]struct{})}
}

// Replace swaps in a history snapshot. Duplicate identifiers keep their
// first occurrence; order is as received.
func (s *EventSet) Replace(evs []events.StoredEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make([]events.StoredEvent, 0, min(len(evs), MaxEvents))
	s.ids = make(map[string]struct{}, len(evs))
	for _, ev := range evs {
		if len(s.events) == MaxEvents {
			break
		}
		if _, dup := s.ids[ev.ID]; dup {
			continue
		}
		s.ids[ev.ID] = struct{}{}
		s.events = append(s.events, ev)
	}
}

// Merge prepends a live event unless its identifier is already known, and
// reports whether it was added.
func (s *EventSet) Merge(ev events.StoredEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[ev.ID]; dup {
		return false
	}
	s.ids[ev.ID] = struct{}{}
	s.events = append([]events.StoredEvent{ev}, s.events...)
	if len(s.events) > MaxEvents {
		for _, dropped := range s.events[MaxEvents:] {
			delete(s.ids, dropped.ID)
		}
		s.events = s.events[:MaxEvents]
	}
	return true
}

// Events returns a copy of the set, newest first.
func (s *EventSet) Events() []events.StoredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.StoredEvent(nil), s.events...)
}

func (s *EventSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Stats summarizes the set with the same rules as the server.
func (s *EventSet) Stats() stats.Summary {
	return stats.Compute(s.Events())
}
