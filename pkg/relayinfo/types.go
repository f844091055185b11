package relayinfo

import (
	"encoding/json"
	"strconv"
)

// NIP numbers the client engine checks for in supported_nips.
const (
	RelayInformationDocument = 11
	Authentication           = 42
	CountingResults          = 45
	SearchCapability         = 50
	RelayListMetadata        = 65
)

// DefaultMaxSubscriptions is assumed when a relay does not publish a
// max_subscriptions limitation.
const DefaultMaxSubscriptions = 25

type Limits struct {
	// MaxMessageLength is the maximum number of bytes for incoming JSON
	// that the relay will attempt to decode and act upon.
	MaxMessageLength int `json:"max_message_length,omitempty"`
	// MaxSubscriptions is total number of subscriptions that may be active on a
	// single websocket connection to this relay.
	MaxSubscriptions int `json:"max_subscriptions,omitempty"`
	MaxFilters       int `json:"max_filters,omitempty"`
	MaxLimit         int `json:"max_limit,omitempty"`
	MaxSubidLength   int `json:"max_subid_length,omitempty"`
	// AuthRequired means the relay requires NIP-42 authentication to happen
	// before a new connection may perform any other action.
	AuthRequired     bool `json:"auth_required"`
	PaymentRequired  bool `json:"payment_required"`
	RestrictedWrites bool `json:"restricted_writes"`
}

// T is the subset of the NIP-11 relay information document the client uses.
type T struct {
	Name          string   `json:"name,omitempty"`
	Description   string   `json:"description,omitempty"`
	PubKey        string   `json:"pubkey,omitempty"`
	Contact       string   `json:"contact,omitempty"`
	SupportedNIPs NIPList  `json:"supported_nips,omitempty"`
	Software      string   `json:"software,omitempty"`
	Version       string   `json:"version,omitempty"`
	Limitation    *Limits  `json:"limitation,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Icon          string   `json:"icon,omitempty"`
}

// MaxSubscriptions is the concurrency limit for REQs on one connection.
func (ri *T) MaxSubscriptions() int {
	if ri == nil || ri.Limitation == nil || ri.Limitation.MaxSubscriptions <= 0 {
		return DefaultMaxSubscriptions
	}
	return ri.Limitation.MaxSubscriptions
}

// AuthRequired reports whether the relay wants NIP-42 before anything else.
func (ri *T) AuthRequired() bool {
	return ri != nil && ri.Limitation != nil && ri.Limitation.AuthRequired
}

func (ri *T) HasNIP(n int) bool {
	if ri == nil {
		return false
	}
	for _, v := range ri.SupportedNIPs {
		if v == n {
			return true
		}
	}
	return false
}

// NIPList decodes supported_nips leniently: some relays publish the numbers
// as strings, and entries that are neither are skipped.
type NIPList []int

func (l *NIPList) UnmarshalJSON(b []byte) (e error) {
	var raw []json.RawMessage
	if e = json.Unmarshal(b, &raw); e != nil {
		return
	}
	out := make(NIPList, 0, len(raw))
	for _, r := range raw {
		var n int
		if json.Unmarshal(r, &n) == nil {
			out = append(out, n)
			continue
		}
		var s string
		if json.Unmarshal(r, &s) == nil {
			if n, e = strconv.Atoi(s); e == nil {
				out = append(out, n)
			}
		}
	}
	*l = out
	return nil
}
