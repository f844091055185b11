package cache

import (
	"errors"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"
)

// EventStore answers queries from a local event store before relays are
// asked, and keeps every event the engine accepts.
type EventStore struct {
	Store eventstore.Store
}

// Event saves ev; an event already stored is not an error.
func (s *EventStore) Event(c context.T, ev *nostr.Event) (e error) {
	if e = s.Store.SaveEvent(c, ev); errors.Is(e, eventstore.ErrDupEvent) {
		return nil
	}
	return
}

// Query collects every stored event matching any of filters.
func (s *EventStore) Query(c context.T, filters nostr.Filters) (out []*nostr.Event,
	e error) {

	seen := make(map[string]struct{})
	for _, f := range filters {
		var ch chan *nostr.Event
		if ch, e = s.Store.QueryEvents(c, f); e != nil {
			return
		}
		for ev := range ch {
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, ev)
		}
	}
	return
}
