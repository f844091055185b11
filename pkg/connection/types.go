package connection

import (
	"errors"
	"net/http"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/relayinfo"
	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
)

const (
	// PublishTimeout bounds the wait for an OK after sending an EVENT.
	PublishTimeout = 5 * time.Second
	// AuthTimeout bounds both the auth window and the wait for the OK that
	// answers an AUTH.
	AuthTimeout = 10 * time.Second
	// BaseReconnectDelay is the first reconnect delay after an unexpected
	// close; it doubles on every consecutive failure.
	BaseReconnectDelay = 2 * time.Second
	// MaxReconnectDelay caps the doubling.
	MaxReconnectDelay = 5 * time.Minute
	// EphemeralCheckInterval is how often an ephemeral connection checks
	// whether it has gone idle.
	EphemeralCheckInterval = 5 * time.Second
	// EphemeralIdleTimeout is how long an ephemeral connection with no
	// active subscriptions may stay idle.
	EphemeralIdleTimeout = 30 * time.Second
	// EphemeralReconnectCooldown is the minimum time between on-demand
	// reconnects of a self-closed ephemeral connection.
	EphemeralReconnectCooldown = 5 * time.Second
	// PingInterval is how often the writer pings an idle relay.
	PingInterval = 29 * time.Second
	// CloseNoReconnect is the close code with which a relay asks not to be
	// reconnected to.
	CloseNoReconnect = 4000
)

// Messages used in failed OkResponse values produced locally.
const (
	MsgTimeout      = "Timeout waiting for OK response"
	MsgDuplicate    = "Duplicate request"
	MsgNotWriteable = "Not a write relay"
)

// ErrNotOpen is returned when a frame is written straight to a socket that is
// not open.
var ErrNotOpen = errors.New("connection is not open")

// State is the socket lifecycle state.
type State int32

const (
	Down State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Down:
		return "down"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type Settings struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// ReqCommand is one REQ: the subscription id and the filters it carries.
type ReqCommand struct {
	ID      string
	Filters nostr.Filters
}

func (r ReqCommand) MarshalJSON() ([]byte, error) {
	return nostr.ReqEnvelope{SubscriptionID: r.ID, Filters: r.Filters}.MarshalJSON()
}

// OkResponse is the outcome of one publish attempt on one relay, from either
// the relay's OK or a local failure.
type OkResponse struct {
	Relay   string `json:"relay"`
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type Stats struct {
	EventsReceived int             `json:"events_received"`
	EventsSent     int             `json:"events_sent"`
	Disconnects    int             `json:"disconnects"`
	Latency        []time.Duration `json:"latency"`
	LastAttempt    time.Time       `json:"last_attempt"`
	LastOpen       time.Time       `json:"last_open"`
}

// maxLatencySamples bounds Stats.Latency.
const maxLatencySamples = 100

// AuthHandler produces the signed kind 22242 event answering challenge.
type AuthHandler func(c context.T, challenge, relay string) (*nostr.Event, error)

// InfoFetcher loads the relay information document.
type InfoFetcher func(c context.T, url string) (*relayinfo.T, error)

type Config struct {
	Settings    Settings
	Ephemeral   bool
	AuthHandler AuthHandler
	// FetchInfo defaults to relayinfo.Fetch.
	FetchInfo InfoFetcher
	// Clock defaults to the wall clock.
	Clock  clock.Clock
	Header http.Header
}

// Snapshot is a copy of the observable state of a connection.
type Snapshot struct {
	Address   string       `json:"address"`
	ID        string       `json:"id"`
	State     string       `json:"state"`
	Settings  Settings     `json:"settings"`
	Ephemeral bool         `json:"ephemeral"`
	Active    []string     `json:"active"`
	Pending   int          `json:"pending"`
	Authed    bool         `json:"authed"`
	Stats     Stats        `json:"stats"`
	Info      *relayinfo.T `json:"info,omitempty"`
}

type (
	Connected struct {
		Conn         *T
		WasReconnect bool
	}
	ConnectFailed struct {
		Conn *T
		Err  error
	}
	Disconnect struct {
		Conn *T
		// ConnID is the id the connection had before the close.
		ConnID string
		Code   int
	}
	Event struct {
		Conn  *T
		Sub   string
		Event *nostr.Event
	}
	// Eose reports that a subscription finished sending stored events, was
	// closed locally, or was closed by the relay (Closed set).
	Eose struct {
		Conn   *T
		Sub    string
		Closed bool
		Reason string
	}
	Notice struct {
		Conn    *T
		Message string
	}
	AuthResult struct {
		Conn      *T
		Challenge string
		OK        bool
		Message   string
	}
)
