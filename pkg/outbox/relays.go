package outbox

import (
	"encoding/json"

	"github.com/Hubmakerlabs/outboxr/pkg/connection"
	"github.com/Hubmakerlabs/outboxr/pkg/kind"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/nbd-wtf/go-nostr"
)

// RelayEntry is one relay of a user's relay list.
type RelayEntry struct {
	URL      string              `json:"url"`
	Settings connection.Settings `json:"settings"`
}

// UsersRelays is the relay list of one user.
type UsersRelays struct {
	PubKey string       `json:"pubkey"`
	Relays []RelayEntry `json:"relays"`
	// Created is the created_at of the event the list came from.
	Created int64 `json:"created"`
	// Kind is the kind of that event: relay list metadata or follow list.
	Kind int `json:"kind"`
	// Loaded is when the list was last fetched or seen, unix seconds.
	Loaded int64 `json:"loaded"`
}

// Write are the relays the user publishes to.
func (u UsersRelays) Write() (out []string) {
	for _, r := range u.Relays {
		if r.Settings.Write {
			out = append(out, r.URL)
		}
	}
	return
}

// Read are the relays the user reads from, their inbox.
func (u UsersRelays) Read() (out []string) {
	for _, r := range u.Relays {
		if r.Settings.Read {
			out = append(out, r.URL)
		}
	}
	return
}

// Newer reports whether u should replace old. A relay list metadata event
// always beats a follow list; otherwise the newer event wins.
func (u UsersRelays) Newer(old UsersRelays) bool {
	rl := int(kind.RelayListMetadata)
	if u.Kind == rl && old.Kind != rl {
		return true
	}
	if old.Kind == rl && u.Kind != rl {
		return false
	}
	return u.Created > old.Created
}

// FromEvent parses a kind 10002 relay list ("r" tags with an optional read or
// write marker) or the relays JSON in the content of a kind 3 follow list.
func FromEvent(ev *nostr.Event) (u UsersRelays, ok bool) {
	u = UsersRelays{PubKey: ev.PubKey, Created: int64(ev.CreatedAt),
		Kind: ev.Kind}
	seen := make(map[string]int)
	add := func(url string, s connection.Settings) {
		n := normalize.URL(url)
		if n == "" {
			return
		}
		if i, dup := seen[n]; dup {
			u.Relays[i].Settings.Read = u.Relays[i].Settings.Read || s.Read
			u.Relays[i].Settings.Write = u.Relays[i].Settings.Write || s.Write
			return
		}
		seen[n] = len(u.Relays)
		u.Relays = append(u.Relays, RelayEntry{URL: n, Settings: s})
	}
	switch kind.T(ev.Kind) {
	case kind.RelayListMetadata:
		for _, t := range ev.Tags {
			if len(t) < 2 || t[0] != "r" {
				continue
			}
			s := connection.Settings{Read: true, Write: true}
			if len(t) > 2 {
				switch t[2] {
				case "read":
					s.Write = false
				case "write":
					s.Read = false
				}
			}
			add(t[1], s)
		}
	case kind.FollowList:
		if ev.Content == "" {
			return u, false
		}
		var m map[string]connection.Settings
		if e := json.Unmarshal([]byte(ev.Content), &m); e != nil {
			log.T.F("follow list of %s has no relay json: %v", ev.PubKey, e)
			return u, false
		}
		for url, s := range m {
			add(url, s)
		}
		sortEntries(u.Relays)
	default:
		return u, false
	}
	return u, len(u.Relays) > 0
}
