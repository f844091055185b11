// Package pool owns the address to connection map. It creates or reuses the
// connection for an address, re-emits every connection's signals as pool
// signals, and fans publishes out to the writable relays.
package pool

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/Hubmakerlabs/outboxr/pkg/connection"
	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/benbjohnson/clock"
	"github.com/fiatjaf/generic-ristretto/z"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/sync/errgroup"
)

var log, chk = slog.New(os.Stderr)

const MaxLocks = 50

// Config is passed through to every connection the pool creates.
type Config struct {
	AuthHandler connection.AuthHandler
	FetchInfo   connection.InfoFetcher
	Clock       clock.Clock
}

type T struct {
	connection.Signals
	cfg   Config
	conns *xsync.MapOf[string, *connection.T]
	unsub *xsync.MapOf[string, func()]
	locks [MaxLocks]sync.Mutex
}

func New(cfg Config) *T {
	return &T{
		Signals: connection.NewSignals(),
		cfg:     cfg,
		conns:   xsync.NewMapOf[*connection.T](),
		unsub:   xsync.NewMapOf[func()](),
	}
}

// namedLock serializes create-or-reuse per address.
func (p *T) namedLock(name string) (unlock func()) {
	idx := z.MemHashString(name) % MaxLocks
	p.locks[idx].Lock()
	return p.locks[idx].Unlock
}

// Connect returns the connection for address, creating, registering and
// dialing it if there is none. An existing connection takes the new settings,
// stops being ephemeral if a persistent one is asked for, and is dialed again
// if it is not open. A new ephemeral connection whose dial fails is dropped
// again and the error returned; a persistent one stays registered and keeps
// retrying in the background.
func (p *T) Connect(cx context.T, address string, settings connection.Settings,
	ephemeral bool) (c *connection.T, e error) {

	addr := normalize.URL(address)
	if addr == "" {
		return nil, fmt.Errorf("invalid relay address '%s'", address)
	}
	defer p.namedLock(addr)()
	var ok bool
	if c, ok = p.conns.Load(addr); ok {
		if !ephemeral && c.IsEphemeral() {
			c.Promote()
		}
		c.SetSettings(settings)
		if st := c.State(); st != connection.Open && st != connection.Connecting {
			e = c.Connect(cx)
			chk.D(e)
		}
		return c, e
	}
	c = connection.New(addr, connection.Config{
		Settings:    settings,
		Ephemeral:   ephemeral,
		AuthHandler: p.cfg.AuthHandler,
		FetchInfo:   p.cfg.FetchInfo,
		Clock:       p.cfg.Clock,
	})
	p.conns.Store(addr, c)
	p.unsub.Store(addr, p.wire(c))
	if e = c.Connect(cx); e != nil {
		log.D.F("{%s} connect failed: %v", addr, e)
		if ephemeral {
			p.remove(addr)
			return nil, e
		}
	}
	return c, e
}

// wire forwards the connection's signals to the pool's.
func (p *T) wire(c *connection.T) (unsubscribe func()) {
	fns := []func(){
		c.Connected.Subscribe(p.Connected.Emit),
		c.ConnectFailed.Subscribe(p.ConnectFailed.Emit),
		c.Disconnect.Subscribe(p.Signals.Disconnect.Emit),
		c.Event.Subscribe(p.Event.Emit),
		c.Eose.Subscribe(p.Eose.Emit),
		c.Notice.Subscribe(p.Notice.Emit),
		c.Auth.Subscribe(p.Auth.Emit),
		c.Change.Subscribe(p.Change.Emit),
	}
	return func() {
		for _, fn := range fns {
			fn()
		}
	}
}

// Disconnect closes the connection to address and forgets it.
func (p *T) Disconnect(address string) {
	addr := normalize.URL(address)
	defer p.namedLock(addr)()
	p.remove(addr)
}

func (p *T) remove(addr string) {
	c, ok := p.conns.LoadAndDelete(addr)
	if !ok {
		return
	}
	c.Close()
	if unsub, ok := p.unsub.LoadAndDelete(addr); ok {
		unsub()
	}
}

func (p *T) Get(address string) (c *connection.T) {
	c, _ = p.conns.Load(normalize.URL(address))
	return
}

// GetConnection finds a connection by the id of its current socket.
func (p *T) GetConnection(id string) (c *connection.T) {
	p.conns.Range(func(_ string, v *connection.T) bool {
		if v.ID() == id {
			c = v
			return false
		}
		return true
	})
	return
}

// Connections are all registered connections, ordered by address.
func (p *T) Connections() (out []*connection.T) {
	p.conns.Range(func(_ string, v *connection.T) bool {
		out = append(out, v)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return
}

// Broadcast publishes ev to every open, writable, persistent connection at
// once and returns one result per relay. cb, if given, sees each result as it
// arrives.
func (p *T) Broadcast(cx context.T, ev *nostr.Event,
	cb func(connection.OkResponse)) (res []connection.OkResponse) {

	var targets []*connection.T
	for _, c := range p.Connections() {
		if c.IsOpen() && c.Settings().Write && !c.IsEphemeral() {
			targets = append(targets, c)
		}
	}
	var mx sync.Mutex
	var g errgroup.Group
	for _, c := range targets {
		c := c
		g.Go(func() error {
			r := c.Publish(cx, ev)
			mx.Lock()
			defer mx.Unlock()
			res = append(res, r)
			if cb != nil {
				cb(r)
			}
			return nil
		})
	}
	chk.E(g.Wait())
	sort.Slice(res, func(i, j int) bool { return res[i].Relay < res[j].Relay })
	return
}

// BroadcastTo publishes ev to one relay, connecting ephemerally when there is
// no connection to it yet. A closed ephemeral connection stays ephemeral.
func (p *T) BroadcastTo(cx context.T, address string,
	ev *nostr.Event) (res connection.OkResponse) {

	c := p.Get(address)
	if c == nil || !c.IsOpen() {
		var e error
		settings := connection.Settings{Write: true}
		if c != nil {
			settings = c.Settings()
		}
		ephemeral := c == nil || c.IsEphemeral()
		if c, e = p.Connect(cx, address, settings, ephemeral); e != nil {
			return connection.OkResponse{Relay: normalize.URL(address),
				ID: ev.ID, Message: e.Error()}
		}
	}
	return c.Publish(cx, ev)
}

// Close tears down every connection.
func (p *T) Close() {
	for _, c := range p.Connections() {
		p.Disconnect(c.Address)
	}
}

