// Package socialgraph keeps who follows whom, built from follow lists
// (kind 3), and measures how far users are from a root user.
package socialgraph

import (
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/cache"
	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/kind"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var log, chk = slog.New(os.Stderr)

// I is what the engine needs from a social graph.
type I interface {
	Ingest(evs ...*nostr.Event)
	Size() int
}

// MaxDistance is the furthest Distance looks from the root.
const MaxDistance = 3

// FollowList is the newest follow list seen for a user.
type FollowList struct {
	PubKey  string          `json:"pubkey"`
	Created nostr.Timestamp `json:"created"`
	Follows []string        `json:"follows"`
	Loaded  time.Time       `json:"loaded"`
}

// FromEvent reads the followed pubkeys of a kind 3 event.
func FromEvent(ev *nostr.Event) (l FollowList, ok bool) {
	if ev.Kind != int(kind.FollowList) {
		return
	}
	l = FollowList{PubKey: ev.PubKey, Created: ev.CreatedAt,
		Loaded: time.Now()}
	seen := make(map[string]struct{})
	for _, t := range ev.Tags {
		if len(t) < 2 || t[0] != "p" || !nostr.IsValid32ByteHex(t[1]) {
			continue
		}
		if _, dup := seen[t[1]]; dup {
			continue
		}
		seen[t[1]] = struct{}{}
		l.Follows = append(l.Follows, t[1])
	}
	return l, true
}

// Follows is the default graph. Lists are optionally persisted to Table.
type Follows struct {
	Table     cache.Table[FollowList]
	mx        sync.RWMutex
	root      string
	lists     map[string]FollowList
	followers map[string]map[string]struct{}
}

var _ I = (*Follows)(nil)

func New(root string, table cache.Table[FollowList]) *Follows {
	return &Follows{
		Table:     table,
		root:      root,
		lists:     make(map[string]FollowList),
		followers: make(map[string]map[string]struct{}),
	}
}

// Preload fills the graph from Table. When only is given, the lists of
// other users are skipped.
func (g *Follows) Preload(c context.T, only ...string) (e error) {
	if g.Table == nil {
		return
	}
	if e = g.Table.Preload(c); chk.E(e) {
		return
	}
	g.mx.Lock()
	defer g.mx.Unlock()
	for _, l := range g.Table.Snapshot() {
		if len(only) > 0 && !slices.Contains(only, l.PubKey) {
			continue
		}
		g.setLocked(l)
	}
	log.D.F("social graph preloaded, %d users", len(g.lists))
	return
}

// Ingest applies the follow lists among evs, newest per author winning.
func (g *Follows) Ingest(evs ...*nostr.Event) {
	var changed []FollowList
	g.mx.Lock()
	for _, ev := range evs {
		l, ok := FromEvent(ev)
		if !ok {
			continue
		}
		if old, ok := g.lists[l.PubKey]; ok && old.Created >= l.Created {
			continue
		}
		g.setLocked(l)
		changed = append(changed, l)
	}
	g.mx.Unlock()
	if g.Table == nil {
		return
	}
	for _, l := range changed {
		chk.E(g.Table.Set(l.PubKey, l))
	}
}

func (g *Follows) setLocked(l FollowList) {
	if old, ok := g.lists[l.PubKey]; ok {
		for _, f := range old.Follows {
			delete(g.followers[f], l.PubKey)
		}
	}
	g.lists[l.PubKey] = l
	for _, f := range l.Follows {
		if g.followers[f] == nil {
			g.followers[f] = make(map[string]struct{})
		}
		g.followers[f][l.PubKey] = struct{}{}
	}
}

// Size is the number of users the graph knows of, as authors of a list or
// as followed by one.
func (g *Follows) Size() int {
	g.mx.RLock()
	defer g.mx.RUnlock()
	n := len(g.lists)
	for pk, fs := range g.followers {
		if _, ok := g.lists[pk]; !ok && len(fs) > 0 {
			n++
		}
	}
	return n
}

func (g *Follows) SetRoot(pk string) {
	g.mx.Lock()
	g.root = pk
	g.mx.Unlock()
}

func (g *Follows) Root() string {
	g.mx.RLock()
	defer g.mx.RUnlock()
	return g.root
}

func (g *Follows) FollowsOf(pk string) []string {
	g.mx.RLock()
	defer g.mx.RUnlock()
	return append([]string(nil), g.lists[pk].Follows...)
}

// FollowersOf returns the known followers of pk, sorted.
func (g *Follows) FollowersOf(pk string) (out []string) {
	g.mx.RLock()
	out = maps.Keys(g.followers[pk])
	g.mx.RUnlock()
	slices.Sort(out)
	return
}

func (g *Follows) IsFollowing(follower, pk string) bool {
	g.mx.RLock()
	defer g.mx.RUnlock()
	_, ok := g.followers[pk][follower]
	return ok
}

// Distance is the number of follow hops from the root to pk: 0 for the root
// itself, -1 when pk is further than MaxDistance or unreachable.
func (g *Follows) Distance(pk string) int {
	g.mx.RLock()
	defer g.mx.RUnlock()
	if g.root == "" {
		return -1
	}
	seen := map[string]struct{}{g.root: {}}
	frontier := []string{g.root}
	for d := 0; d <= MaxDistance; d++ {
		var next []string
		for _, u := range frontier {
			if u == pk {
				return d
			}
			for _, f := range g.lists[u].Follows {
				if _, ok := seen[f]; !ok {
					seen[f] = struct{}{}
					next = append(next, f)
				}
			}
		}
		frontier = next
	}
	return -1
}
