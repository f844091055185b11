// Package outbox routes author-scoped requests to the relays those authors
// publish to, using the relay lists they published, and picks the inbox
// relays of users an event is addressed to.
package outbox

import (
	"os"
	"sort"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/cache"
	"github.com/Hubmakerlabs/outboxr/pkg/loader"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/optimizer"
	"github.com/Hubmakerlabs/outboxr/pkg/request"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var log, chk = slog.New(os.Stderr)

// StaleAfter is how old a relay list may get before it is fetched again.
const StaleAfter = 12 * time.Hour

// Router turns filters into dispatch plans.
type Router interface {
	// ForRequest plans f across the write relays of its authors, pickN
	// relays per author.
	ForRequest(f request.Filter, pickN int) []request.Plan
	// ForReply picks up to pickN inbox relays for each of pubkeys.
	ForReply(pubkeys []string, pickN int) []string
}

type Config struct {
	Relays cache.Table[UsersRelays]
	// Loader is told about authors whose lists are missing or stale.
	Loader *loader.T[UsersRelays]
	// Own returns the caller's own read relays, the fallback for authors
	// without a known list.
	Own   func() []string
	Clock clock.Clock
}

// Model is the outbox Router over a relay list table.
type Model struct {
	Config
}

var _ Router = (*Model)(nil)

func New(cfg Config) *Model {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Own == nil {
		cfg.Own = func() []string { return nil }
	}
	return &Model{Config: cfg}
}

// IsStale reports whether u should be fetched again.
func (m *Model) IsStale(u UsersRelays) bool {
	return m.Clock.Since(time.Unix(u.Loaded, 0)) > StaleAfter
}

// Update stores the relay list carried by ev if it is newer than the known
// one, returning whether it did.
func (m *Model) Update(ev *nostr.Event) bool {
	u, ok := FromEvent(ev)
	if !ok {
		return false
	}
	u.Loaded = m.Clock.Now().Unix()
	if old, ok := m.Relays.Get(u.PubKey); ok && !u.Newer(old) {
		return false
	}
	return !chk.E(m.Relays.Set(u.PubKey, u))
}

// lookup returns the known lists of pubkeys and the ones without a list,
// asking the loader for missing and stale ones.
func (m *Model) lookup(pubkeys []string) (known map[string]UsersRelays,
	missing []string) {

	known = make(map[string]UsersRelays)
	var want []string
	for _, pk := range pubkeys {
		u, ok := m.Relays.Get(pk)
		if !ok || len(u.Relays) == 0 {
			missing = append(missing, pk)
			want = append(want, pk)
			continue
		}
		if m.IsStale(u) {
			want = append(want, pk)
		}
		known[pk] = u
	}
	if m.Loader != nil && len(want) > 0 {
		m.Loader.Want(want...)
	}
	return
}

// pick chooses up to pickN relays for every user, preferring relays more of
// the users share, then by address. It returns relay -> users.
func pick(relays map[string][]string, pickN int) map[string][]string {
	popularity := make(map[string]int)
	for _, rs := range relays {
		for _, r := range rs {
			popularity[r]++
		}
	}
	out := make(map[string][]string)
	users := maps.Keys(relays)
	sort.Strings(users)
	for _, u := range users {
		rs := slices.Clone(relays[u])
		sort.SliceStable(rs, func(i, j int) bool {
			if popularity[rs[i]] != popularity[rs[j]] {
				return popularity[rs[i]] > popularity[rs[j]]
			}
			return rs[i] < rs[j]
		})
		if len(rs) > pickN {
			rs = rs[:pickN]
		}
		for _, r := range rs {
			out[r] = append(out[r], u)
		}
	}
	return out
}

func (m *Model) ForRequest(f request.Filter, pickN int) (plans []request.Plan) {
	if pickN <= 0 {
		pickN = request.DefaultPickN
	}
	if len(f.Relays) > 0 {
		for _, r := range normalize.URLs(f.Relays) {
			plans = append(plans, request.Plan{Relay: r,
				Filters:  []nostr.Filter{optimizer.Clone(f.Filter)},
				Strategy: request.ExplicitRelays})
		}
		return
	}
	if len(f.Authors) == 0 {
		return []request.Plan{{Filters: []nostr.Filter{optimizer.Clone(f.Filter)},
			Strategy: request.DefaultRelays}}
	}
	known, missing := m.lookup(f.Authors)
	writes := make(map[string][]string)
	for pk, u := range known {
		if w := normalize.URLs(u.Write()); len(w) > 0 {
			writes[pk] = w
		} else {
			missing = append(missing, pk)
		}
	}
	picked := pick(writes, pickN)
	for _, r := range sortedKeys(picked) {
		plans = append(plans, plan(f, r, picked[r], request.AuthorsRelays))
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		own := normalize.URLs(m.Own())
		if len(own) == 0 {
			plans = append(plans, plan(f, "", missing, request.DefaultRelays))
		}
		for _, r := range own {
			plans = append(plans, plan(f, r, missing, request.FallbackRelays))
		}
	}
	log.T.F("routed %d authors into %d plans", len(f.Authors), len(plans))
	return
}

func plan(f request.Filter, relay string, authors []string,
	s request.Strategy) request.Plan {

	nf := optimizer.Clone(f.Filter)
	nf.Authors = slices.Clone(authors)
	return request.Plan{Relay: relay, Filters: []nostr.Filter{nf}, Strategy: s}
}

func sortedKeys(m map[string][]string) []string {
	k := maps.Keys(m)
	sort.Strings(k)
	return k
}

func (m *Model) ForReply(pubkeys []string, pickN int) (relays []string) {
	if pickN <= 0 {
		pickN = request.DefaultPickN
	}
	known, _ := m.lookup(pubkeys)
	reads := make(map[string][]string)
	for pk, u := range known {
		if r := normalize.URLs(u.Read()); len(r) > 0 {
			reads[pk] = r
		}
	}
	return sortedKeys(pick(reads, pickN))
}

func sortEntries(rs []RelayEntry) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].URL < rs[j].URL })
}
