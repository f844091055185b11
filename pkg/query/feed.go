package query

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Hubmakerlabs/outboxr/pkg/emitter"
	"github.com/nbd-wtf/go-nostr"
)

// Feed receives a query's events and its loading state.
type Feed interface {
	Add(evs ...*nostr.Event) (added int)
	SetLoading(loading bool)
}

// NoteCollection is the default Feed. It keeps one copy per event id and only
// the newest version of replaceable and parameterized replaceable events.
type NoteCollection struct {
	mx      sync.Mutex
	byKey   map[string]*nostr.Event
	loading bool
	// OnEvent gets each batch of newly added events.
	OnEvent *emitter.T[[]*nostr.Event]
	// OnLoading gets every change of the loading flag.
	OnLoading *emitter.T[bool]
}

func NewNoteCollection() *NoteCollection {
	return &NoteCollection{
		byKey:     make(map[string]*nostr.Event),
		loading:   true,
		OnEvent:   emitter.New[[]*nostr.Event](),
		OnLoading: emitter.New[bool](),
	}
}

// replaceKey is the identity that newer versions of ev overwrite.
func replaceKey(ev *nostr.Event) string {
	switch {
	case ev.Kind == 0 || ev.Kind == 3 || (ev.Kind >= 10000 && ev.Kind < 20000):
		return fmt.Sprintf("%d:%s", ev.Kind, ev.PubKey)
	case ev.Kind >= 30000 && ev.Kind < 40000:
		var d string
		if t := ev.Tags.GetFirst([]string{"d", ""}); t != nil {
			d = t.Value()
		}
		return fmt.Sprintf("%d:%s:%s", ev.Kind, ev.PubKey, d)
	}
	return ev.ID
}

func (n *NoteCollection) Add(evs ...*nostr.Event) (added int) {
	var fresh []*nostr.Event
	n.mx.Lock()
	for _, ev := range evs {
		k := replaceKey(ev)
		if old, ok := n.byKey[k]; ok {
			if old.ID == ev.ID || old.CreatedAt >= ev.CreatedAt {
				continue
			}
		}
		n.byKey[k] = ev
		fresh = append(fresh, ev)
	}
	n.mx.Unlock()
	if len(fresh) > 0 {
		n.OnEvent.Emit(fresh)
	}
	return len(fresh)
}

func (n *NoteCollection) SetLoading(loading bool) {
	n.mx.Lock()
	changed := n.loading != loading
	n.loading = loading
	n.mx.Unlock()
	if changed {
		n.OnLoading.Emit(loading)
	}
}

func (n *NoteCollection) Loading() bool {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.loading
}

func (n *NoteCollection) Len() int {
	n.mx.Lock()
	defer n.mx.Unlock()
	return len(n.byKey)
}

// Snapshot returns the events newest first.
func (n *NoteCollection) Snapshot() (out []*nostr.Event) {
	n.mx.Lock()
	for _, ev := range n.byKey {
		out = append(out, ev)
	}
	n.mx.Unlock()
	sortNewest(out)
	return
}

func sortNewest(evs []*nostr.Event) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].CreatedAt != evs[j].CreatedAt {
			return evs[i].CreatedAt > evs[j].CreatedAt
		}
		return evs[i].ID < evs[j].ID
	})
}
