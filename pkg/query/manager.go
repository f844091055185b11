// Package query tracks logical requests across relays: which REQ went where,
// which relays finished, and which events belong to which request. The
// Manager dispatches requests through the outbox router and keeps traces
// consistent across disconnects, reconnects and silent relays.
package query

import (
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/connection"
	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/emitter"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/optimizer"
	"github.com/Hubmakerlabs/outboxr/pkg/outbox"
	"github.com/Hubmakerlabs/outboxr/pkg/pool"
	"github.com/Hubmakerlabs/outboxr/pkg/relayinfo"
	"github.com/Hubmakerlabs/outboxr/pkg/request"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr)

// SweepInterval is how often traces are checked for silent relays.
const SweepInterval = 500 * time.Millisecond

// CacheRelayName is the relay recorded on traces answered by the cache.
const CacheRelayName = "cache"

// CacheRelay is a local store that is asked before the network and that
// keeps every event the network delivers.
type CacheRelay interface {
	Event(c context.T, ev *nostr.Event) error
	Query(c context.T, filters nostr.Filters) ([]*nostr.Event, error)
}

type Config struct {
	Pool *pool.T
	// Router plans requests by author; without one every filter goes to the
	// open read relays or its own relay hints.
	Router outbox.Router
	// Optimizer defaults to optimizer.Default.
	Optimizer  optimizer.I
	CacheRelay CacheRelay
	// CheckSigs drops events whose id or signature does not verify.
	CheckSigs bool
	// NewFeed makes the feed of a new query, a NoteCollection by default.
	NewFeed func(id string) Feed
	Clock   clock.Clock
}

// Delivered is an event accepted into a query.
type Delivered struct {
	Query string
	Relay string
	Event *nostr.Event
}

type Manager struct {
	Config
	queries *xsync.MapOf[string, *T]
	// traces maps subscription ids to the query that owns them.
	traces *xsync.MapOf[string, *T]
	// Event gets every event accepted into a query.
	Event *emitter.T[Delivered]
	// Change gets the id of a query whose state changed.
	Change *emitter.T[string]
	// Request gets every trace as its REQ goes out.
	Request *emitter.T[Trace]
	// TraceClosed gets a report for every trace as it closes.
	TraceClosed *emitter.T[Report]
	unsub       []func()
	quit        chan struct{}
	once        sync.Once
}

func NewManager(cfg Config) (m *Manager) {
	if cfg.Optimizer == nil {
		cfg.Optimizer = optimizer.Default{}
	}
	if cfg.NewFeed == nil {
		cfg.NewFeed = func(string) Feed { return NewNoteCollection() }
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	m = &Manager{
		Config:      cfg,
		queries:     xsync.NewMapOf[*T](),
		traces:      xsync.NewMapOf[*T](),
		Event:       emitter.New[Delivered](),
		Change:      emitter.New[string](),
		Request:     emitter.New[Trace](),
		TraceClosed: emitter.New[Report](),
		quit:        make(chan struct{}),
	}
	p := cfg.Pool
	m.unsub = append(m.unsub,
		p.Event.Subscribe(m.handleEvent),
		p.Eose.Subscribe(m.handleEose),
		p.Signals.Disconnect.Subscribe(func(d connection.Disconnect) {
			m.ConnectionLost(d.ConnID)
		}),
		p.Connected.Subscribe(func(c connection.Connected) {
			if c.WasReconnect {
				m.ConnectionRestored(c.Conn)
			}
		}),
	)
	return
}

// Run sweeps the traces every SweepInterval until c is done or the manager
// is closed.
func (m *Manager) Run(c context.T) {
	t := m.Clock.Ticker(SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-m.quit:
			return
		case <-t.C:
			m.checkTraces(m.Clock.Now())
		}
	}
}

// Close stops the sweep, closes every query and detaches from the pool.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.quit)
		for _, fn := range m.unsub {
			fn()
		}
		m.queries.Range(func(_ string, q *T) bool {
			m.remove(q)
			return true
		})
	})
}

func (m *Manager) GetQuery(id string) (q *T) {
	q, _ = m.queries.Load(id)
	return
}

// Queries returns snapshots of every query.
func (m *Manager) Queries() (out []Snapshot) {
	m.queries.Range(func(_ string, q *T) bool {
		out = append(out, q.Snapshot())
		return true
	})
	return
}

// Query starts the request b describes, or extends the running query with
// the same id by the filters it does not yet have.
func (m *Manager) Query(cx context.T, b *request.Builder) (q *T) {
	next := b.Filters()
	opts := b.Options
	q, loaded := m.queries.Load(b.ID)
	if !loaded {
		q, loaded = m.queries.LoadOrStore(b.ID,
			newQuery(b.ID, m.NewFeed(b.ID), opts, m.Clock))
	}
	send := next
	if loaded {
		q.uncancel()
		if !opts.SkipDiff {
			send = m.diff(q.Filters(), next)
		}
		log.D.F("query %s: %d of %d filters are new", q.ID, len(send),
			len(next))
	}
	q.update(next, opts)
	if len(send) > 0 {
		m.dispatch(cx, q, send)
	}
	m.settle(q)
	return
}

// diff returns the parts of next that prev does not cover, per relay hint.
func (m *Manager) diff(prev, next []request.Filter) (out []request.Filter) {
	pg, _ := group(prev)
	ng, order := group(next)
	for _, k := range order {
		flat := m.Optimizer.Diff(request.Filters(pg[k]), request.Filters(ng[k]))
		if len(flat) == 0 {
			continue
		}
		relays := ng[k][0].Relays
		for _, f := range m.Optimizer.Merge(flat) {
			out = append(out, request.Filter{Filter: f, Relays: relays})
		}
	}
	return
}

func group(fs []request.Filter) (g map[string][]request.Filter,
	order []string) {

	g = make(map[string][]request.Filter)
	for _, f := range fs {
		k := f.RelayKey()
		if _, ok := g[k]; !ok {
			order = append(order, k)
		}
		g[k] = append(g[k], f)
	}
	return
}

// plan routes fs to relays and compresses the filters that share one.
func (m *Manager) plan(fs []request.Filter, pickN int) (plans []request.Plan) {
	type key struct {
		relay    string
		strategy request.Strategy
	}
	merged := make(map[key][]nostr.Filter)
	var order []key
	add := func(p request.Plan) {
		k := key{p.Relay, p.Strategy}
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] = append(merged[k], p.Filters...)
	}
	for _, f := range fs {
		switch {
		case m.Router != nil:
			for _, p := range m.Router.ForRequest(f, pickN) {
				add(p)
			}
		case len(f.Relays) > 0:
			for _, r := range f.Relays {
				add(request.Plan{Relay: normalize.URL(r),
					Filters: []nostr.Filter{f.Filter}, Strategy: request.ExplicitRelays})
			}
		default:
			add(request.Plan{Filters: []nostr.Filter{f.Filter},
				Strategy: request.DefaultRelays})
		}
	}
	for _, k := range order {
		plans = append(plans, request.Plan{Relay: k.relay,
			Filters: m.Optimizer.Compress(merged[k]), Strategy: k.strategy})
	}
	return
}

func (m *Manager) dispatch(cx context.T, q *T, send []request.Filter) {
	opts := q.Options()
	pickN := opts.PickN
	if pickN <= 0 {
		pickN = request.DefaultPickN
	}
	if m.CacheRelay != nil {
		m.fromCache(cx, q, request.Filters(send))
	}
	for _, p := range m.plan(send, pickN) {
		if p.Relay == "" {
			for _, c := range m.Pool.Connections() {
				if !canSend(c, p) {
					continue
				}
				id := q.addTrace(p, c.Address, c.ID())
				m.traces.Store(id, q)
				m.queue(q, c, id, p.Filters)
			}
			continue
		}
		id := q.addTrace(p, p.Relay, "")
		m.traces.Store(id, q)
		if c := m.Pool.Get(p.Relay); c != nil {
			m.sendTo(q, c, id, p)
			continue
		}
		go func(p request.Plan) {
			c, e := m.Pool.Connect(cx, p.Relay, connection.Settings{Read: true},
				true)
			if chk.D(e) {
				m.closed(q.fail(id))
				m.settle(q)
				return
			}
			m.sendTo(q, c, id, p)
		}(p)
	}
}

func (m *Manager) sendTo(q *T, c *connection.T, id string, p request.Plan) {
	if !canSend(c, p) {
		m.closed(q.fail(id))
		m.settle(q)
		return
	}
	q.bind(id, c.ID())
	m.queue(q, c, id, p.Filters)
}

func (m *Manager) queue(q *T, c *connection.T, id string, fs nostr.Filters) {
	c.QueueReq(connection.ReqCommand{ID: id, Filters: fs}, func() {
		q.markSent(id)
		if tr, ok := q.Trace(id); ok {
			m.Request.Emit(tr)
		}
		m.Change.Emit(q.ID)
	})
}

// canSend decides whether plan p may go to connection c. Plans without a
// relay only go to persistent read relays, and searches only to relays that
// say they support them.
func canSend(c *connection.T, p request.Plan) bool {
	if p.Relay != "" && c.Address != normalize.URL(p.Relay) {
		return false
	}
	if p.Relay == "" && (c.IsEphemeral() || !c.Settings().Read) {
		return false
	}
	for _, f := range p.Filters {
		if f.Search != "" && !c.SupportsNIP(relayinfo.SearchCapability) {
			log.D.F("{%s} no search support, skipping", c.Address)
			return false
		}
	}
	return true
}

func (m *Manager) fromCache(cx context.T, q *T, fs nostr.Filters) {
	evs, e := m.CacheRelay.Query(cx, fs)
	if chk.D(e) {
		return
	}
	m.closed(q.insertCompleted(CacheRelayName, fs))
	m.deliver(q, CacheRelayName, evs...)
}

func (m *Manager) deliver(q *T, relay string, evs ...*nostr.Event) {
	for _, ev := range evs {
		if q.Feed.Add(ev) > 0 {
			m.Event.Emit(Delivered{Query: q.ID, Relay: relay, Event: ev})
		}
	}
}

func (m *Manager) handleEvent(ev connection.Event) {
	q, ok := m.traces.Load(ev.Sub)
	if !ok {
		log.T.F("{%s} event for unknown subscription %s", ev.Conn.Address, ev.Sub)
		return
	}
	tr, ok := q.Trace(ev.Sub)
	if !ok || !tr.Filters.Match(ev.Event) {
		log.D.F("{%s} event %s does not match subscription %s",
			ev.Conn.Address, ev.Event.ID, ev.Sub)
		return
	}
	if m.CheckSigs && !Verify(ev.Event) {
		log.D.F("{%s} dropping event %s with a bad id or signature",
			ev.Conn.Address, ev.Event.ID)
		return
	}
	if m.CacheRelay != nil {
		chk.D(m.CacheRelay.Event(context.Bg(), ev.Event))
	}
	m.deliver(q, ev.Conn.Address, ev.Event)
}

// HandleEvent delivers a locally produced event to every query with a trace
// whose filters match it.
func (m *Manager) HandleEvent(ev *nostr.Event) {
	m.queries.Range(func(_ string, q *T) bool {
		for _, tr := range q.Traces() {
			if tr.Filters.Match(ev) {
				m.deliver(q, "", ev)
				break
			}
		}
		return true
	})
}

func (m *Manager) handleEose(e connection.Eose) {
	q, ok := m.traces.Load(e.Sub)
	if !ok {
		return
	}
	closeOnRelay, reports := q.eose(e.Sub, e.Closed)
	if e.Closed {
		log.D.F("{%s} subscription %s closed by relay: %s", e.Conn.Address,
			e.Sub, e.Reason)
	}
	if closeOnRelay {
		e.Conn.CloseReq(e.Sub)
	}
	m.closed(reports...)
	m.settle(q)
}

// ConnectionLost finishes every trace bound to the socket connID, so no
// query waits on a relay that went away.
func (m *Manager) ConnectionLost(connID string) {
	m.queries.Range(func(_ string, q *T) bool {
		if reports := q.connectionLost(connID); len(reports) > 0 {
			m.closed(reports...)
			m.settle(q)
		}
		return true
	})
}

// ConnectionRestored sends the REQs of every open query that had traces on
// c's relay again, on c's new socket.
func (m *Manager) ConnectionRestored(c *connection.T) {
	m.queries.Range(func(_ string, q *T) bool {
		for _, tr := range q.restore(c.Address, c.ID()) {
			log.D.F("{%s} resending %s for query %s", c.Address, tr.ID, q.ID)
			m.queue(q, c, tr.ID, tr.Filters)
		}
		return true
	})
}

// checkTraces forces traces silent for TraceTimeout and removes queries
// whose cancel grace ran out.
func (m *Manager) checkTraces(now time.Time) {
	m.queries.Range(func(_ string, q *T) bool {
		toClose, reports := q.sweep(now)
		for _, r := range toClose {
			log.D.F("{%s} no EOSE for %s, forcing", r.relay, r.id)
			m.closeOn(r)
		}
		if len(reports) > 0 {
			m.closed(reports...)
			m.settle(q)
		}
		if q.removable(now) {
			log.D.F("removing query %s", q.ID)
			m.remove(q)
		}
		return true
	})
}

func (m *Manager) remove(q *T) {
	toClose, reports := q.closeAll()
	for _, r := range toClose {
		m.closeOn(r)
	}
	m.closed(reports...)
	for _, tr := range q.Traces() {
		m.traces.Delete(tr.ID)
	}
	m.queries.Delete(q.ID)
	m.settle(q)
}

func (m *Manager) closeOn(r traceRef) {
	if r.relay == CacheRelayName {
		return
	}
	if c := m.Pool.Get(r.relay); c != nil {
		c.CloseReq(r.id)
	}
}

func (m *Manager) closed(reports ...Report) {
	for _, r := range reports {
		if r.ID != "" {
			m.TraceClosed.Emit(r)
		}
	}
}

func (m *Manager) settle(q *T) {
	q.Feed.SetLoading(q.Loading())
	m.Change.Emit(q.ID)
}
