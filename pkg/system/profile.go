package system

import (
	"encoding/json"

	"github.com/Hubmakerlabs/outboxr/pkg/kind"
	"github.com/nbd-wtf/go-nostr"
)

// Profile is the metadata a user published in their newest kind 0 event.
type Profile struct {
	PubKey      string          `json:"pubkey"`
	Created     nostr.Timestamp `json:"created"`
	Name        string          `json:"name,omitempty"`
	DisplayName string          `json:"display_name,omitempty"`
	About       string          `json:"about,omitempty"`
	Picture     string          `json:"picture,omitempty"`
	Banner      string          `json:"banner,omitempty"`
	Website     string          `json:"website,omitempty"`
	Nip05       string          `json:"nip05,omitempty"`
	Lud16       string          `json:"lud16,omitempty"`
	Loaded      int64           `json:"loaded"`
}

// ProfileFromEvent parses the content of a kind 0 event.
func ProfileFromEvent(ev *nostr.Event) (p Profile, ok bool) {
	if ev.Kind != int(kind.ProfileMetadata) {
		return
	}
	if e := json.Unmarshal([]byte(ev.Content), &p); e != nil {
		log.D.F("bad profile from %s: %v", ev.PubKey, e)
		return Profile{}, false
	}
	p.PubKey, p.Created = ev.PubKey, ev.CreatedAt
	return p, true
}
