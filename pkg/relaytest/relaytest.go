// Package relaytest runs a scriptable in-process relay for tests. It answers
// REQ from a fixed event store, acknowledges EVENT and AUTH, serves a relay
// information document, and records every frame it receives.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/relayinfo"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/fasthttp/websocket"
	"github.com/nbd-wtf/go-nostr"
)

var log, chk = slog.New(os.Stderr)

// Frame is one message received from a client.
type Frame struct {
	Label string
	Raw   []json.RawMessage
}

// Behaviour scripts how the relay answers.
type Behaviour struct {
	Info *relayinfo.T
	// Store is sent for every REQ filter it matches.
	Store []*nostr.Event
	// NoEOSE suppresses the EOSE after stored events.
	NoEOSE bool
	// NoOK suppresses the OK answering an EVENT.
	NoOK bool
	// Reject answers EVENTs with a negative OK carrying this message.
	Reject string
	// Challenge is sent as an AUTH frame as soon as a client connects.
	Challenge string
	// OnFrame sees every frame first; returning true skips the default
	// handling.
	OnFrame func(c *Conn, f Frame) bool
}

type Relay struct {
	URL      string
	srv      *httptest.Server
	upgrader websocket.Upgrader
	mx       sync.Mutex
	b        Behaviour
	frames   []Frame
	conns    []*Conn
}

// New starts a relay that is shut down when the test ends.
func New(t testing.TB, b Behaviour) (r *Relay) {
	r = &Relay{b: b}
	r.srv = httptest.NewServer(r)
	r.URL = "ws" + strings.TrimPrefix(r.srv.URL, "http")
	t.Cleanup(r.Close)
	return
}

// Update changes the behaviour of a running relay.
func (r *Relay) Update(fn func(b *Behaviour)) {
	r.mx.Lock()
	defer r.mx.Unlock()
	fn(&r.b)
}

func (r *Relay) behaviour() Behaviour {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.b
}

func (r *Relay) Close() {
	r.CloseAll(websocket.CloseGoingAway, "")
	r.srv.Close()
}

// CloseAll closes every client socket with code.
func (r *Relay) CloseAll(code int, reason string) {
	r.mx.Lock()
	conns := r.conns
	r.conns = nil
	r.mx.Unlock()
	for _, c := range conns {
		c.CloseWith(code, reason)
	}
}

// Conns are the currently connected clients.
func (r *Relay) Conns() []*Conn {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]*Conn(nil), r.conns...)
}

// Frames returns the received frames with the given label, or all of them
// when label is empty.
func (r *Relay) Frames(label string) (out []Frame) {
	r.mx.Lock()
	defer r.mx.Unlock()
	for _, f := range r.frames {
		if label == "" || f.Label == label {
			out = append(out, f)
		}
	}
	return
}

func (r *Relay) Count(label string) int { return len(r.Frames(label)) }

// SubIDs are the subscription ids of every REQ received, in order.
func (r *Relay) SubIDs() (ids []string) {
	for _, f := range r.Frames("REQ") {
		var id string
		if len(f.Raw) > 1 && json.Unmarshal(f.Raw[1], &id) == nil {
			ids = append(ids, id)
		}
	}
	return
}

// Broadcast sends v to every connected client.
func (r *Relay) Broadcast(v ...any) {
	for _, c := range r.Conns() {
		chk.D(c.Send(v...))
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Accept") == relayinfo.ContentType {
		info := r.behaviour().Info
		if info == nil {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", relayinfo.ContentType)
		chk.D(json.NewEncoder(w).Encode(info))
		return
	}
	ws, e := r.upgrader.Upgrade(w, req, nil)
	if chk.D(e) {
		return
	}
	c := &Conn{ws: ws}
	r.mx.Lock()
	r.conns = append(r.conns, c)
	challenge := r.b.Challenge
	r.mx.Unlock()
	if challenge != "" {
		chk.D(c.Send("AUTH", challenge))
	}
	r.serve(c)
}

func (r *Relay) serve(c *Conn) {
	defer c.ws.Close()
	for {
		_, msg, e := c.ws.ReadMessage()
		if e != nil {
			log.T.F("relaytest read: %v", e)
			return
		}
		var f Frame
		if e = json.Unmarshal(msg, &f.Raw); chk.D(e) || len(f.Raw) == 0 {
			continue
		}
		if e = json.Unmarshal(f.Raw[0], &f.Label); chk.D(e) {
			continue
		}
		r.mx.Lock()
		r.frames = append(r.frames, f)
		r.mx.Unlock()
		b := r.behaviour()
		if b.OnFrame != nil && b.OnFrame(c, f) {
			continue
		}
		r.respond(c, b, f)
	}
}

func (r *Relay) respond(c *Conn, b Behaviour, f Frame) {
	switch f.Label {
	case "REQ":
		if len(f.Raw) < 2 {
			return
		}
		var id string
		if chk.D(json.Unmarshal(f.Raw[1], &id)) {
			return
		}
		for _, raw := range f.Raw[2:] {
			var filter nostr.Filter
			if chk.D(json.Unmarshal(raw, &filter)) {
				continue
			}
			for _, ev := range b.Store {
				if filter.Matches(ev) {
					chk.D(c.Send("EVENT", id, ev))
				}
			}
		}
		if !b.NoEOSE {
			chk.D(c.Send("EOSE", id))
		}
	case "EVENT":
		if b.NoOK || len(f.Raw) < 2 {
			return
		}
		var ev nostr.Event
		if chk.D(json.Unmarshal(f.Raw[1], &ev)) {
			return
		}
		chk.D(c.Send("OK", ev.ID, b.Reject == "", b.Reject))
	case "AUTH":
		if len(f.Raw) < 2 {
			return
		}
		var ev nostr.Event
		if chk.D(json.Unmarshal(f.Raw[1], &ev)) {
			return
		}
		chk.D(c.Send("OK", ev.ID, true, ""))
	}
}

// Conn is one client socket on the relay side.
type Conn struct {
	ws *websocket.Conn
	mx sync.Mutex
}

// Send writes v as a JSON array frame.
func (c *Conn) Send(v ...any) (e error) {
	var b []byte
	if b, e = json.Marshal(v); e != nil {
		return
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// CloseWith sends a close frame with code and drops the socket.
func (c *Conn) CloseWith(code int, reason string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	chk.T(c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second)))
	chk.T(c.ws.Close())
}
