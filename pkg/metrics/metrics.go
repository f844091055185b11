// Package metrics keeps per-relay connection statistics: connects,
// failures, disconnects, events received and how quickly relays answer
// subscriptions.
package metrics

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/cache"
	"github.com/Hubmakerlabs/outboxr/pkg/connection"
	"github.com/Hubmakerlabs/outboxr/pkg/pool"
	"github.com/Hubmakerlabs/outboxr/pkg/query"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/benbjohnson/clock"
)

var log, chk = slog.New(os.Stderr)

type Relay struct {
	Address         string        `json:"address"`
	Connects        int           `json:"connects"`
	ConnectFailures int           `json:"connect_failures"`
	Disconnects     int           `json:"disconnects"`
	LastCode        int           `json:"last_code"`
	Events          int           `json:"events"`
	Traces          int           `json:"traces"`
	ForcedTraces    int           `json:"forced_traces"`
	TotalResponse   time.Duration `json:"total_response"`
	LastConnect     time.Time     `json:"last_connect"`
	LastDisconnect  time.Time     `json:"last_disconnect"`
	LastEvent       time.Time     `json:"last_event"`
}

// MeanResponse is the average time from REQ to EOSE over traces that were
// not forced.
func (r Relay) MeanResponse() time.Duration {
	n := r.Traces - r.ForcedTraces
	if n <= 0 {
		return 0
	}
	return r.TotalResponse / time.Duration(n)
}

// T collects metrics in memory and writes them through to Table. Event
// counts are only written on Flush.
type T struct {
	Table  cache.Table[Relay]
	clock  clock.Clock
	mx     sync.Mutex
	relays map[string]*Relay
	dirty  map[string]struct{}
}

func New(table cache.Table[Relay], clk clock.Clock) *T {
	if table == nil {
		table = cache.NewMemory[Relay]()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &T{Table: table, clock: clk, relays: make(map[string]*Relay),
		dirty: make(map[string]struct{})}
}

func (m *T) relayLocked(addr string) *Relay {
	if r, ok := m.relays[addr]; ok {
		return r
	}
	r := &Relay{Address: addr}
	if v, ok := m.Table.Get(addr); ok {
		*r = v
	}
	m.relays[addr] = r
	return r
}

func (m *T) update(addr string, persist bool, fn func(r *Relay)) {
	if addr == "" || addr == query.CacheRelayName {
		return
	}
	m.mx.Lock()
	r := m.relayLocked(addr)
	fn(r)
	v := *r
	if !persist {
		m.dirty[addr] = struct{}{}
	} else {
		delete(m.dirty, addr)
	}
	m.mx.Unlock()
	if persist {
		chk.E(m.Table.Set(addr, v))
	}
}

func (m *T) OnConnect(addr string) {
	m.update(addr, true, func(r *Relay) {
		r.Connects++
		r.LastConnect = m.clock.Now()
	})
}

func (m *T) OnConnectFailed(addr string) {
	m.update(addr, true, func(r *Relay) { r.ConnectFailures++ })
}

func (m *T) OnDisconnect(addr string, code int) {
	m.update(addr, true, func(r *Relay) {
		r.Disconnects++
		r.LastCode = code
		r.LastDisconnect = m.clock.Now()
	})
}

func (m *T) OnEvent(addr string) {
	m.update(addr, false, func(r *Relay) {
		r.Events++
		r.LastEvent = m.clock.Now()
	})
}

func (m *T) OnTrace(rep query.Report) {
	m.update(rep.Relay, true, func(r *Relay) {
		r.Traces++
		if rep.Forced {
			r.ForcedTraces++
		} else {
			r.TotalResponse += rep.Response
		}
	})
}

// Flush writes relays with unsaved event counts.
func (m *T) Flush() {
	m.mx.Lock()
	var out []Relay
	for addr := range m.dirty {
		out = append(out, *m.relays[addr])
	}
	m.dirty = make(map[string]struct{})
	m.mx.Unlock()
	for _, r := range out {
		chk.E(m.Table.Set(r.Address, r))
	}
	if len(out) > 0 {
		log.T.F("flushed metrics of %d relays", len(out))
	}
}

func (m *T) Get(addr string) (r Relay, ok bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if p, found := m.relays[addr]; found {
		return *p, true
	}
	return m.Table.Get(addr)
}

// Snapshot returns every relay seen, by address.
func (m *T) Snapshot() (out []Relay) {
	m.mx.Lock()
	seen := make(map[string]struct{})
	for _, r := range m.relays {
		out = append(out, *r)
		seen[r.Address] = struct{}{}
	}
	m.mx.Unlock()
	for _, r := range m.Table.Snapshot() {
		if _, ok := seen[r.Address]; !ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return
}

// Attach feeds m from the pool's connection signals and the manager's trace
// reports. qm may be nil.
func (m *T) Attach(p *pool.T, qm *query.Manager) (detach func()) {
	unsub := []func(){
		p.Connected.Subscribe(func(c connection.Connected) {
			m.OnConnect(c.Conn.Address)
		}),
		p.ConnectFailed.Subscribe(func(c connection.ConnectFailed) {
			m.OnConnectFailed(c.Conn.Address)
		}),
		p.Signals.Disconnect.Subscribe(func(d connection.Disconnect) {
			m.OnDisconnect(d.Conn.Address, d.Code)
		}),
		p.Event.Subscribe(func(e connection.Event) {
			m.OnEvent(e.Conn.Address)
		}),
	}
	if qm != nil {
		unsub = append(unsub, qm.TraceClosed.Subscribe(m.OnTrace))
	}
	return func() {
		for _, fn := range unsub {
			fn()
		}
	}
}
